package core

import (
	"errors"
	"fmt"
)

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

var ErrMoveOutOfRange = errors.New("move out of range")

// Inverse returns the direction that undoes d.
func (d Direction) Inverse() Direction {
	if d == DirectionUp {
		return DirectionDown
	}
	return DirectionUp
}

// MoveQuestion swaps the id at index with its neighbour in direction and
// returns the new order with the index the id moved to. ids is not modified.
func MoveQuestion(ids []string, index int, direction Direction) ([]string, int, error) {
	target := index
	switch direction {
	case DirectionUp:
		target = index - 1
	case DirectionDown:
		target = index + 1
	default:
		return nil, index, fmt.Errorf("unknown direction %q", direction)
	}

	if index < 0 || index >= len(ids) || target < 0 || target >= len(ids) {
		return nil, index, ErrMoveOutOfRange
	}

	moved := make([]string, len(ids))
	copy(moved, ids)
	moved[index], moved[target] = moved[target], moved[index]

	return moved, target, nil
}

// IsPermutation reports whether order holds exactly the ids of current, each once.
func IsPermutation(current []string, order []string) bool {
	if len(current) != len(order) {
		return false
	}

	counts := make(map[string]int, len(current))
	for _, id := range current {
		counts[id]++
	}
	for _, id := range order {
		counts[id]--
		if counts[id] < 0 {
			return false
		}
	}

	return true
}
