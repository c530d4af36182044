package challenge

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var ErrBadFormula = errors.New("invalid dice formula")

var formulaRe = regexp.MustCompile(`^(\d*)[dD](\d+)([+-]\d+)?$`)

// Dice is a parsed formula such as 2d6+1.
type Dice struct {
	Count    int
	Sides    int
	Modifier int
}

func (d Dice) String() string {
	s := fmt.Sprintf("%dd%d", d.Count, d.Sides)
	switch {
	case d.Modifier > 0:
		s += fmt.Sprintf("+%d", d.Modifier)
	case d.Modifier < 0:
		s += strconv.Itoa(d.Modifier)
	}
	return s
}

// ParseDice accepts NdS, dS and NdS±M with up to 100 dice of up to 1000 sides.
func ParseDice(formula string) (Dice, error) {
	m := formulaRe.FindStringSubmatch(strings.TrimSpace(formula))
	if m == nil {
		return Dice{}, fmt.Errorf("%w: %q", ErrBadFormula, formula)
	}
	d := Dice{Count: 1}
	if m[1] != "" {
		d.Count, _ = strconv.Atoi(m[1])
	}
	d.Sides, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		d.Modifier, _ = strconv.Atoi(m[3])
	}
	if d.Count < 1 || d.Count > 100 || d.Sides < 2 || d.Sides > 1000 {
		return Dice{}, fmt.Errorf("%w: %q", ErrBadFormula, formula)
	}
	return d, nil
}

// Roller produces die results in [1, sides].
type Roller interface {
	Roll(sides int) int
}

// RandRoller is a Roller seeded from crypto/rand. Safe for concurrent use.
type RandRoller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandRoller() *RandRoller {
	var seed [16]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("challenge: seed dice: %v", err))
	}
	src := rand.NewPCG(binary.LittleEndian.Uint64(seed[:8]), binary.LittleEndian.Uint64(seed[8:]))
	return &RandRoller{rng: rand.New(src)}
}

func (r *RandRoller) Roll(sides int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(sides) + 1
}

// Rolled is the result of rolling a formula.
type Rolled struct {
	Dice  Dice
	Rolls []int
	Sum   int
}

func (d Dice) Roll(r Roller) Rolled {
	out := Rolled{Dice: d, Rolls: make([]int, d.Count)}
	for i := range out.Rolls {
		out.Rolls[i] = r.Roll(d.Sides)
		out.Sum += out.Rolls[i]
	}
	return out
}
