package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		Committed:       "committed",
		ToAdd:           "to_add",
		ToUpdate:        "to_update",
		ToRemove:        "to_remove",
		AddedAndRemoved: "added_and_removed",
		Status(42):      "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}

func TestStatusDirty(t *testing.T) {
	if Committed.Dirty() {
		t.Error("committed must not be dirty")
	}
	for _, s := range []Status{ToAdd, ToUpdate, ToRemove, AddedAndRemoved} {
		if !s.Dirty() {
			t.Errorf("%s must be dirty", s)
		}
	}
}

func TestFieldsClone(t *testing.T) {
	orig := Fields{"name": "a1", "rank": int64(2)}
	clone := orig.Clone()
	clone["name"] = "a2"
	if orig["name"] != "a1" {
		t.Errorf("clone mutated the original: %v", orig)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); !errors.Is(err, ErrNoDatabasePath) {
		t.Errorf("empty config: got %v, want ErrNoDatabasePath", err)
	}
	cfg := Config{DatabasePath: "x.sqlite", ChunkSize: -1}
	if err := cfg.Validate(); !errors.Is(err, ErrNegativeChunkSize) {
		t.Errorf("negative chunk: got %v, want ErrNegativeChunkSize", err)
	}
	cfg.ChunkSize = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestConfigUsername(t *testing.T) {
	if got := (Config{}).Username(); got != "anon" {
		t.Errorf("default user = %q, want anon", got)
	}
	if got := (Config{User: "alex"}).Username(); got != "alex" {
		t.Errorf("user = %q, want alex", got)
	}
}

func TestValidationError(t *testing.T) {
	err := Validationf("entity", "no entity_class with id %d", 7)
	if !IsValidation(err) {
		t.Error("Validationf result not recognized by IsValidation")
	}
	if IsValidation(errors.New("plain")) {
		t.Error("plain error recognized as validation")
	}
	wrapped := fmt.Errorf("adding: %w", err)
	if !IsValidation(wrapped) {
		t.Error("wrapped validation error not recognized")
	}
	want := "invalid entity: no entity_class with id 7"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
