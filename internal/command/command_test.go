package command

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		want    Type
	}{
		{"delete", `{"commandId":"c1","commandType":"Delete","subjectType":"msa","dataTypes":["BrowsingHistory"]}`, false, TypeDelete},
		{"export", `{"commandId":"c2","commandType":"Export","subjectType":"aad"}`, false, TypeExport},
		{"account close", `{"commandId":"c3","commandType":"AccountClose"}`, false, TypeAccountClose},
		{"unknown type", `{"commandId":"c4","commandType":"AgeOut"}`, true, ""},
		{"missing id", `{"commandType":"Delete"}`, true, ""},
		{"garbage", `{not json`, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCommand) {
					t.Fatalf("expected ErrInvalidCommand, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Type != tt.want {
				t.Errorf("type = %s, want %s", c.Type, tt.want)
			}
		})
	}
}

func TestViewsDoNotShareClassifications(t *testing.T) {
	c := New("c1", TypeDelete, "msa", []string{"BrowsingHistory", "SearchHistory"}, "")

	first := c.For("agent-1", "ag-1", "")
	first.DataTypes = first.DataTypes[:1]
	first.DataTypes[0] = "Narrowed"

	second := c.For("agent-2", "ag-2", "")
	if len(second.DataTypes) != 2 || second.DataTypes[0] != "BrowsingHistory" {
		t.Fatalf("second view saw first view's narrowing: %v", second.DataTypes)
	}
	if got := c.Classifications(); got[0] != "BrowsingHistory" {
		t.Fatalf("base command mutated: %v", got)
	}
}
