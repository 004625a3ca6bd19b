// Package canned holds the built-in fallback question bank used when the
// generator keeps producing rejected candidates. Every entry is safe, short
// and factual, so a slot is never left unfilled.
package canned

import (
	"context"
	"math/rand"

	"github.com/quizpilot/quizpilot/internal/collab"
)

var bank = []collab.Content{
	{Question: "What is the capital of Japan?", Answer: "Tokyo", Category: "capitals"},
	{Question: "What is the capital of Canada?", Answer: "Ottawa", Category: "capitals"},
	{Question: "What is the capital of Australia?", Answer: "Canberra", Category: "capitals"},
	{Question: "Which continent is the Sahara desert in?", Answer: "Africa", Category: "continents"},
	{Question: "Which continent is Brazil in?", Answer: "South America", Category: "continents"},
	{Question: "What currency is used in Switzerland?", Answer: "Swiss franc", Category: "currencies"},
	{Question: "What currency is used in South Korea?", Answer: "Won", Category: "currencies"},
	{Question: "What is the chemical symbol for gold?", Answer: "Au", Category: "elements"},
	{Question: "What is the chemical symbol for iron?", Answer: "Fe", Category: "elements"},
	{Question: "How many planets are in the solar system?", Answer: "Eight", Category: "science"},
	{Question: "What gas do plants absorb from the air?", Answer: "Carbon dioxide", Category: "science"},
	{Question: "What is seven times eight?", Answer: "Fifty six", Category: "math"},
	{Question: "What is the square root of 144?", Answer: "Twelve", Category: "math"},
	{Question: "True or false: the Great Wall of China is visible from the Moon?", Answer: "False", Category: "truefalse"},
	{Question: "True or false: sound travels faster in water than in air?", Answer: "True", Category: "truefalse"},
}

// Items returns the full bank in a fresh slice.
func Items() []collab.Content {
	out := make([]collab.Content, len(bank))
	copy(out, bank)
	return out
}

// Pick returns a random canned item, preferring the requested topic when the
// bank has entries for it.
func Pick(rng *rand.Rand, topic string) collab.Content {
	var matching []collab.Content
	for _, c := range bank {
		if c.Category == topic {
			matching = append(matching, c)
		}
	}
	if len(matching) > 0 {
		return matching[rng.Intn(len(matching))]
	}
	return bank[rng.Intn(len(bank))]
}

// Generator serves canned items through the collab.Generator contract. It is
// the default generator when no external command is configured, and rotates
// deterministically under a seeded RNG.
type Generator struct {
	Rng *rand.Rand
}

func (g *Generator) Generate(_ context.Context, _ string, topic string) (collab.Content, error) {
	return Pick(g.Rng, topic), nil
}
