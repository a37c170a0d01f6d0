// Package challenge generates the arithmetic problem that defuses a countdown.
package challenge

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

type Op int

const (
	Add Op = iota
	Subtract
	Multiply
)

func (o Op) Symbol() string {
	switch o {
	case Subtract:
		return "-"
	case Multiply:
		return "×"
	default:
		return "+"
	}
}

const (
	minLeft, maxLeft   = 6, 19
	minRight, maxRight = 3, 14
)

var (
	ErrEmptyAnswer = errors.New("enter an answer first")
	ErrNotANumber  = errors.New("answer must be a number")
	ErrWrongAnswer = errors.New("wrong answer, try again")
)

type Challenge struct {
	Question string
	Answer   int

	Left, Right int
	Op          Op
}

type Generator struct {
	rng *rand.Rand
}

// NewGenerator uses rng when non-nil, otherwise a randomly seeded source.
func NewGenerator(rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Generator{rng: rng}
}

func (g *Generator) Next() Challenge {
	op := Op(g.rng.IntN(3))
	a := minLeft + g.rng.IntN(maxLeft-minLeft+1)
	b := minRight + g.rng.IntN(maxRight-minRight+1)
	if op == Subtract && b > a {
		a, b = b, a
	}
	return New(op, a, b)
}

func New(op Op, a, b int) Challenge {
	var answer int
	switch op {
	case Subtract:
		answer = a - b
	case Multiply:
		answer = a * b
	default:
		answer = a + b
	}
	return Challenge{
		Question: fmt.Sprintf("%d %s %d = ?", a, op.Symbol(), b),
		Answer:   answer,
		Left:     a,
		Right:    b,
		Op:       op,
	}
}

// Check validates a typed answer. Only an exact integer match succeeds.
func (c Challenge) Check(input string) error {
	s := strings.TrimSpace(input)
	if s == "" {
		return ErrEmptyAnswer
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return ErrNotANumber
	}
	if v != float64(c.Answer) {
		return ErrWrongAnswer
	}
	return nil
}
