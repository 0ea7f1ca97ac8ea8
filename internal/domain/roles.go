package domain

import (
	"strconv"
	"strings"
)

// OperatorSet список пользователей, которым разрешены служебные действия.
type OperatorSet struct {
	ids      map[int64]struct{}
	wildcard bool
}

// NewOperatorSet создаёт множество операторов.
func NewOperatorSet(ids ...int64) OperatorSet {
	set := OperatorSet{ids: make(map[int64]struct{}, len(ids))}
	for _, id := range ids {
		set.ids[id] = struct{}{}
	}
	return set
}

// ParseOperatorSet разбирает список вида "1, 2,3" или "*".
func ParseOperatorSet(raw []string) (OperatorSet, []string) {
	set := NewOperatorSet()
	var invalid []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if part == "*" {
				set.wildcard = true
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				invalid = append(invalid, part)
				continue
			}
			set.ids[id] = struct{}{}
		}
	}
	return set, invalid
}

// Allows проверяет, является ли пользователь оператором.
func (s OperatorSet) Allows(userID int64) bool {
	if s.wildcard {
		return true
	}
	_, ok := s.ids[userID]
	return ok
}

// Empty сообщает, что операторов нет.
func (s OperatorSet) Empty() bool {
	return !s.wildcard && len(s.ids) == 0
}
