package configutil

import (
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
)

func TestValidateSettings(t *testing.T) {
	schema := Schema{Required: []string{"api_key"}, Optional: []string{"model"}}
	cases := []struct {
		name    string
		input   map[string]any
		wantErr string
	}{
		{name: "ok", input: map[string]any{"api_key": "k", "model": "nova-2"}},
		{name: "normalized keys", input: map[string]any{"API-Key": "k"}},
		{name: "missing", input: map[string]any{"model": "x"}, wantErr: "missing: api_key"},
		{name: "blank", input: map[string]any{"api_key": "  "}, wantErr: "missing: api_key"},
		{name: "unknown", input: map[string]any{"api_key": "k", "voice": "v"}, wantErr: "unknown: voice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSettings(tc.input, schema)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected %q, got %v", tc.wantErr, err)
			}
			if !errorsx.HasReason(err, errorsx.ReasonConfiguration) {
				t.Fatalf("expected configuration reason, got %s", errorsx.Reason(err))
			}
		})
	}
}

func TestValidateSettingsAllowUnknown(t *testing.T) {
	if err := ValidateSettings(map[string]any{"extra": 1}, Schema{AllowUnknown: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecodeSettings(t *testing.T) {
	var out struct {
		APIKey    string        `mapstructure:"api_key"`
		KeepAlive time.Duration `mapstructure:"keepalive"`
		Schedule  []int         `mapstructure:"chunk_length_schedule"`
		Interim   *bool         `mapstructure:"interim"`
		Plain     string
	}
	err := DecodeSettings(map[string]any{
		"API_KEY":               "secret",
		"keepalive":             "250ms",
		"chunk_length_schedule": []any{80, "120"},
		"interim":               "false",
		"plain":                 "x",
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "secret" || out.KeepAlive != 250*time.Millisecond || out.Plain != "x" {
		t.Fatalf("unexpected decode %+v", out)
	}
	if len(out.Schedule) != 2 || out.Schedule[1] != 120 {
		t.Fatalf("unexpected schedule %v", out.Schedule)
	}
	if BoolValue(out.Interim, true) {
		t.Fatalf("expected interim=false to be kept")
	}
	if !BoolValue(nil, true) || IntValue(nil, 7) != 7 {
		t.Fatalf("unexpected fallbacks")
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString("x", "a.b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := RequireString(" ", "vendors.stt.settings.api_key")
	if !errorsx.HasReason(err, errorsx.ReasonConfiguration) || !strings.Contains(err.Error(), "api_key is required") {
		t.Fatalf("unexpected error %v", err)
	}
}
