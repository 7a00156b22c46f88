package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tigerbot-team/tigerbot/go-chassis/pkg/chassis"
)

type moveKind string

const (
	moveMetres  moveKind = "move"
	turnDegrees moveKind = "turn"
	moveRaw     moveKind = "raw"
	turnRaw     moveKind = "rawturn"
)

// move is one step of a scripted sequence, written kind:value on the command
// line, e.g. move:0.5 turn:-90 raw:720.
type move struct {
	kind  moveKind
	value float64
}

func (m move) String() string {
	return fmt.Sprintf("%s:%g", m.kind, m.value)
}

func parseMoves(args []string) ([]move, error) {
	moves := make([]move, 0, len(args))
	for _, arg := range args {
		kind, value, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("bad move %q: want kind:value", arg)
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("bad move %q: %w", arg, err)
		}
		switch k := moveKind(kind); k {
		case moveMetres, turnDegrees, moveRaw, turnRaw:
			moves = append(moves, move{kind: k, value: v})
		default:
			return nil, fmt.Errorf("bad move %q: unknown kind %q", arg, kind)
		}
	}
	return moves, nil
}

func (m move) run(ctx context.Context, c *chassis.PIDController) error {
	switch m.kind {
	case moveMetres:
		return c.MoveDistance(ctx, m.value)
	case turnDegrees:
		return c.TurnAngle(ctx, m.value)
	case moveRaw:
		return c.MoveDistanceRaw(ctx, m.value)
	case turnRaw:
		return c.TurnAngleRaw(ctx, m.value)
	}
	return fmt.Errorf("unknown move kind %q", m.kind)
}
