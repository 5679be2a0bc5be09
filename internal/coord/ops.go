package coord

import "time"

// Op is one write inside an Exec transaction.
type Op interface {
	isOp()
}

// SetOp writes a string value; a zero TTL keeps it forever.
type SetOp struct {
	Key   string
	Value string
	TTL   time.Duration
}

// DelOp deletes keys.
type DelOp struct {
	Keys []string
}

// HSetOp writes one hash field.
type HSetOp struct {
	Key   string
	Field string
	Value string
}

// HDelOp deletes hash fields.
type HDelOp struct {
	Key    string
	Fields []string
}

// SAddOp adds set members.
type SAddOp struct {
	Key     string
	Members []string
}

// SRemOp removes set members.
type SRemOp struct {
	Key     string
	Members []string
}

// ZAddOp adds or rescores one sorted-set member.
type ZAddOp struct {
	Key    string
	Member string
	Score  float64
}

// ZRemOp removes sorted-set members.
type ZRemOp struct {
	Key     string
	Members []string
}

// ZIncrByOp adjusts a sorted-set member score.
type ZIncrByOp struct {
	Key    string
	Member string
	Incr   float64
}

// ExpireOp sets a TTL on an existing key.
type ExpireOp struct {
	Key string
	TTL time.Duration
}

func (SetOp) isOp()     {}
func (DelOp) isOp()     {}
func (HSetOp) isOp()    {}
func (HDelOp) isOp()    {}
func (SAddOp) isOp()    {}
func (SRemOp) isOp()    {}
func (ZAddOp) isOp()    {}
func (ZRemOp) isOp()    {}
func (ZIncrByOp) isOp() {}
func (ExpireOp) isOp()  {}
