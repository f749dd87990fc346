// Package dice evaluates tabletop dice expressions such as "2d6+3" or
// "4d6kh3".
package dice

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
)

// ErrInvalidExpression indicates the expression did not parse.
var ErrInvalidExpression = errors.New("invalid dice expression")

// ErrTooManyDice indicates the expression asked for more dice than the
// roller allows.
var ErrTooManyDice = errors.New("too many dice")

// MaxDice bounds a single roll. Anything above this is almost
// certainly a typo or abuse.
const MaxDice = 100

// Spec is a parsed dice expression: Count dice of Sides sides, keep
// the highest or lowest Keep of them, then add Modifier.
type Spec struct {
	Count    int
	Sides    int
	Keep     int  // 0 means keep all
	KeepLow  bool // keep lowest instead of highest
	Modifier int
}

// Result captures one evaluated roll.
type Result struct {
	Expression string
	Rolls      []int
	Kept       []int
	Total      int
}

var exprRe = regexp.MustCompile(`^(\d*)d(\d+)(?:k([hl])(\d+))?([+-]\d+)?$`)

// Parse parses an expression of the form NdS[kh|klX][+/-M].
func Parse(expr string) (Spec, error) {
	m := exprRe.FindStringSubmatch(expr)
	if m == nil {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}

	spec := Spec{Count: 1}
	if m[1] != "" {
		spec.Count, _ = strconv.Atoi(m[1])
	}
	spec.Sides, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		spec.KeepLow = m[3] == "l"
		spec.Keep, _ = strconv.Atoi(m[4])
		// An explicit keep count of zero is a typo, not keep-all.
		if spec.Keep < 1 {
			return Spec{}, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
		}
	}
	if m[5] != "" {
		spec.Modifier, _ = strconv.Atoi(m[5])
	}

	if spec.Count < 1 || spec.Sides < 2 {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}
	if spec.Count > MaxDice {
		return Spec{}, fmt.Errorf("%w: %d > %d", ErrTooManyDice, spec.Count, MaxDice)
	}
	if spec.Keep > spec.Count {
		spec.Keep = spec.Count
	}
	return spec, nil
}

// Roll evaluates expr using rng as the randomness source. Given the
// same source state and expression, Roll is deterministic.
func Roll(expr string, rng *rand.Rand) (Result, error) {
	spec, err := Parse(expr)
	if err != nil {
		return Result{}, err
	}

	rolls := make([]int, spec.Count)
	for i := range rolls {
		rolls[i] = rng.Intn(spec.Sides) + 1
	}

	kept := rolls
	if spec.Keep > 0 && spec.Keep < spec.Count {
		sorted := append([]int(nil), rolls...)
		sort.Sort(sort.Reverse(sort.IntSlice(sorted)))
		if spec.KeepLow {
			sort.Ints(sorted)
		}
		kept = sorted[:spec.Keep]
	}

	total := spec.Modifier
	for _, v := range kept {
		total += v
	}

	res := Result{Expression: expr, Rolls: rolls, Total: total}
	if spec.Keep > 0 && spec.Keep < spec.Count {
		res.Kept = kept
	}
	return res, nil
}
