package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Lock is the operator policy governing auth code rotation and client
// admission. On the wire it is a JSON union shared with the controller and
// with applications:
//
//   - false: no lock, codes rotate normally
//   - true: closed lock, no new clients are admitted
//   - n >= 1: the current code stays valid for up to n concurrent clients
//
// A boolean true is not a capacity of 1; the two wire forms are distinct
// states and must stay distinct in memory.
type Lock struct {
	closed   bool
	capacity int
}

// OpenLock returns the no-lock state. It is the zero value.
func OpenLock() Lock { return Lock{} }

// ClosedLock returns the closed-lock state.
func ClosedLock() Lock { return Lock{closed: true} }

// CapacityLock returns a lock admitting up to n concurrent clients on the
// same code. n must be at least 1.
func CapacityLock(n int) (Lock, error) {
	if n < 1 {
		return Lock{}, fmt.Errorf("lock capacity must be >= 1, got %d", n)
	}
	return Lock{capacity: n}, nil
}

func (l Lock) IsOpen() bool   { return !l.closed && l.capacity == 0 }
func (l Lock) IsClosed() bool { return l.closed }

// Capacity reports the client capacity and whether this is a capacity lock.
func (l Lock) Capacity() (int, bool) { return l.capacity, l.capacity > 0 }

func (l Lock) String() string {
	switch {
	case l.closed:
		return "closed"
	case l.capacity > 0:
		return "capacity(" + strconv.Itoa(l.capacity) + ")"
	default:
		return "open"
	}
}

func (l Lock) MarshalJSON() ([]byte, error) {
	switch {
	case l.closed:
		return []byte("true"), nil
	case l.capacity > 0:
		return []byte(strconv.Itoa(l.capacity)), nil
	default:
		return []byte("false"), nil
	}
}

func (l *Lock) UnmarshalJSON(b []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode lock: %w", err)
	}
	switch v := v.(type) {
	case bool:
		if v {
			*l = ClosedLock()
		} else {
			*l = OpenLock()
		}
		return nil
	case json.Number:
		n, err := strconv.Atoi(v.String())
		if err != nil {
			return fmt.Errorf("lock capacity must be an integer, got %q", v.String())
		}
		lock, err := CapacityLock(n)
		if err != nil {
			return err
		}
		*l = lock
		return nil
	default:
		return fmt.Errorf("lock must be a boolean or a positive integer, got %T", v)
	}
}
