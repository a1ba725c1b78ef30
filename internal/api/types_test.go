package api

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDuration_MarshalJSON(t *testing.T) {
	d := Duration{Duration: 10 * time.Second}
	b, err := d.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `"10s"`
	if string(b) != want {
		t.Errorf("MarshalJSON() = %s, want %s", b, want)
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"10s"`, 10 * time.Second, false},
		{`"500ms"`, 500 * time.Millisecond, false},
		{`"1m"`, time.Minute, false},
		{`30`, 30 * time.Second, false},
		{`1.5`, 1500 * time.Millisecond, false},
		{`null`, 0, false},
		{`"not-a-duration"`, 0, true},
		{`true`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if (err != nil) != tt.wantErr {
				t.Errorf("UnmarshalJSON(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && d.Duration != tt.want {
				t.Errorf("UnmarshalJSON(%s) = %s, want %s", tt.input, d.Duration, tt.want)
			}
		})
	}
}

func TestExecuteRequest_OmittedTimeout(t *testing.T) {
	var req ExecuteRequest
	if err := json.Unmarshal([]byte(`{"code":"plot(1)","language":"r"}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.Timeout.Duration != 0 {
		t.Errorf("Timeout = %s, want 0", req.Timeout.Duration)
	}
	if req.Language != "r" || req.Code != "plot(1)" {
		t.Errorf("req = %+v", req)
	}
}
