package util

import (
	"reflect"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{" ON ", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("RELAY_TEST_BOOL", tt.value)
			if got := ParseBoolEnv("RELAY_TEST_BOOL", tt.def); got != tt.want {
				t.Errorf("ParseBoolEnv(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseListEnv(t *testing.T) {
	tests := []struct {
		value string
		want  []string
	}{
		{"", nil},
		{"@a", []string{"@a"}},
		{"@a,@b", []string{"@a", "@b"}},
		{" @a , @b\n-1001 ", []string{"@a", "@b", "-1001"}},
		{",,", nil},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("RELAY_TEST_LIST", tt.value)
			got := ParseListEnv("RELAY_TEST_LIST")
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseListEnv(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseDurationEnv(t *testing.T) {
	def := 30 * time.Second
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", def},
		{"45", 45 * time.Second},
		{"0.5", 500 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"0", 0},
		{"-5", def},
		{"soon", def},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("RELAY_TEST_DURATION", tt.value)
			if got := ParseDurationEnv("RELAY_TEST_DURATION", def); got != tt.want {
				t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"", 10},
		{"25", 25},
		{"0", 10},
		{"ten", 10},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("RELAY_TEST_INT", tt.value)
			if got := ParseIntEnv("RELAY_TEST_INT", 10); got != tt.want {
				t.Errorf("ParseIntEnv(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
