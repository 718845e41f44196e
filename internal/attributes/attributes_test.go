package attributes

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/untoldecay/elogd/internal/types"
)

func testLogbook() *types.Logbook {
	return &types.Logbook{
		ID:   1,
		Name: "Ops",
		Attributes: []types.AttributeSpec{
			{Name: "shift", Type: types.AttributeOption, Required: true,
				Options: []string{"day", "night"}},
			{Name: "beam_current", Type: types.AttributeNumber},
			{Name: "on_call", Type: types.AttributeBoolean},
			{Name: "systems", Type: types.AttributeMultiOption,
				Options: []string{"rf", "vacuum", "cryo"}},
			{Name: "note", Type: types.AttributeText},
		},
	}
}

func TestCheckMissingRequired(t *testing.T) {
	_, err := Check(testLogbook(), map[string]any{"note": "hi"})
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCheckDropsBadValues(t *testing.T) {
	got, err := Check(testLogbook(), map[string]any{
		"shift":        "day",
		"beam_current": "not a number",
		"unknown":      "x",
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	want := map[string]any{"shift": "day"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Check mismatch (-want +got):\n%s", diff)
	}
}

func TestConvert(t *testing.T) {
	lb := testLogbook()
	tests := []struct {
		attr    string
		value   any
		want    any
		wantErr bool
	}{
		{"note", 42, "42", false},
		{"beam_current", "250.5", 250.5, false},
		{"beam_current", float64(3), float64(3), false},
		{"beam_current", "three", nil, true},
		{"on_call", "false", false, false},
		{"on_call", "0", false, false},
		{"on_call", "yes", true, false},
		{"on_call", true, true, false},
		{"shift", "day", "day", false},
		{"shift", "evening", nil, true},
		{"systems", []any{"rf", "cryo"}, []string{"rf", "cryo"}, false},
		{"systems", "vacuum", []string{"vacuum"}, false},
		{"systems", []any{}, nil, true},
		{"systems", []any{"warp"}, nil, true},
	}
	for _, tt := range tests {
		spec, ok := lb.Attribute(tt.attr)
		if !ok {
			t.Fatalf("missing spec %q", tt.attr)
		}
		got, err := Convert(spec, tt.value)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Convert(%s, %v) should fail", tt.attr, tt.value)
			}
			continue
		}
		if err != nil {
			t.Errorf("Convert(%s, %v) failed: %v", tt.attr, tt.value, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("Convert(%s, %v) mismatch (-want +got):\n%s", tt.attr, tt.value, diff)
		}
	}
}

func TestConvertForDisplay(t *testing.T) {
	got := ConvertForDisplay(testLogbook(), map[string]any{
		"shift":   "day",
		"retired": "value kept from an older schema",
	})
	if len(got) != 1 || got["shift"] != "day" {
		t.Errorf("ConvertForDisplay = %v", got)
	}
}
