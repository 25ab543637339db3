package relay

import (
	"testing"
	"time"
)

func validEvent(t *testing.T) *Event {
	t.Helper()
	priv, _ := testKey(t)
	e := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      1,
		Tags:      [][]string{{"e", "abc"}},
		Content:   "hello",
	}
	signEvent(t, priv, e)
	return e
}

func TestValidateAcceptsWellFormedEvent(t *testing.T) {
	v := NewValidator(0)
	e := validEvent(t)
	got, err := v.Validate(e, time.Now())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("returned event id mismatch")
	}
}

func TestValidateRejectsTamperedContent(t *testing.T) {
	v := NewValidator(0)
	e := validEvent(t)
	e.Content = "tampered"
	if _, err := v.Validate(e, time.Now()); err == nil {
		t.Errorf("expected rejection for id/content mismatch")
	}
}

func TestValidateRejectsBadSignature(t *testing.T) {
	v := NewValidator(0)
	e := validEvent(t)
	other := validEvent(t)
	e.Sig = other.Sig
	if _, err := v.Validate(e, time.Now()); err == nil {
		t.Errorf("expected rejection for signature from a different event")
	}
}

func TestValidateRejectsMalformedHexFields(t *testing.T) {
	v := NewValidator(0)
	e := validEvent(t)
	e.ID = "not-hex"
	if _, err := v.Validate(e, time.Now()); err == nil {
		t.Errorf("expected rejection for malformed id")
	}
}

func TestValidateRejectsOutOfRangeKind(t *testing.T) {
	v := NewValidator(0)
	priv, _ := testKey(t)
	e := &Event{CreatedAt: time.Now().Unix(), Kind: -1, Content: ""}
	signEvent(t, priv, e)
	if _, err := v.Validate(e, time.Now()); err == nil {
		t.Errorf("expected rejection for out-of-range kind")
	}
}

func TestValidateRejectsFutureTimestamp(t *testing.T) {
	v := NewValidator(10 * time.Second)
	priv, _ := testKey(t)
	e := &Event{CreatedAt: time.Now().Add(time.Hour).Unix(), Kind: 1, Content: ""}
	signEvent(t, priv, e)
	if _, err := v.Validate(e, time.Now()); err == nil {
		t.Errorf("expected rejection for timestamp beyond tolerance")
	}
}

func TestValidateAllowsTimestampWithinTolerance(t *testing.T) {
	v := NewValidator(900 * time.Second)
	priv, _ := testKey(t)
	e := &Event{CreatedAt: time.Now().Add(5 * time.Minute).Unix(), Kind: 1, Content: ""}
	signEvent(t, priv, e)
	if _, err := v.Validate(e, time.Now()); err != nil {
		t.Errorf("unexpected rejection within tolerance: %v", err)
	}
}

func TestValidateRejectsEmptyTagElement(t *testing.T) {
	v := NewValidator(0)
	priv, _ := testKey(t)
	e := &Event{CreatedAt: time.Now().Unix(), Kind: 1, Tags: [][]string{{}}}
	signEvent(t, priv, e)
	if _, err := v.Validate(e, time.Now()); err == nil {
		t.Errorf("expected rejection for empty tag element")
	}
}
