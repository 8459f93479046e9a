package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent = "factory/event/v1"
	DomainGraph = "factory/graph/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the content-addressed ID for a transition event.
// The wall-clock timestamp is excluded so that replaying the same inputs
// reproduces the same ID.
func EventID(e TransitionEvent) (string, error) {
	obj := map[string]any{
		"task_id":        e.TaskID,
		"seq":            e.Seq,
		"run_id":         e.RunID,
		"tick_id":        e.TickID,
		"from":           e.From,
		"to":             e.To,
		"event":          e.Event,
		"reason_code":    string(e.Reason),
		"attempt":        e.Attempt,
		"loop_iteration": e.LoopIteration,
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	return hashWithDomain(DomainEvent, data), nil
}

// MustEventID panics if EventID fails. Event fields are all scalars, so
// failure indicates a programming error.
func MustEventID(e TransitionEvent) string {
	id, err := EventID(e)
	if err != nil {
		panic(fmt.Sprintf("MustEventID: %v", err))
	}
	return id
}

// GraphHash computes a stable hash of a compiled graph. Tasks record it at
// enqueue time so a changed definition is detectable on later ticks.
func GraphHash(g *Graph) (string, error) {
	data, err := CanonicalGraph(g)
	if err != nil {
		return "", err
	}
	return hashWithDomain(DomainGraph, data), nil
}

// CanonicalGraph renders g as canonical JSON.
func CanonicalGraph(g *Graph) ([]byte, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	data, err := MarshalCanonical(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize graph: %w", err)
	}
	return data, nil
}
