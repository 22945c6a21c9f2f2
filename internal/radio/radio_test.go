package radio

import (
	"sync"
	"testing"
)

func TestSignal_TakeClears(t *testing.T) {
	var s Signal

	if s.Take() {
		t.Fatal("fresh signal should not be raised")
	}

	s.Raise()
	s.Raise()
	if !s.Pending() {
		t.Error("Pending() = false after Raise")
	}
	if !s.Take() {
		t.Error("Take() = false after Raise")
	}
	if s.Take() {
		t.Error("second Take() = true, want edge to be consumed once")
	}
}

func TestSignal_ConcurrentRaise(t *testing.T) {
	var s Signal
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Raise()
		}()
	}
	wg.Wait()

	if !s.Take() {
		t.Error("expected signal raised")
	}
	if s.Pending() {
		t.Error("expected signal cleared")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		name    string
		want    Mode
		wantErr bool
	}{
		{"longdata-range-lowpower", ModeLongDataRangeLowPower, false},
		{"SHORTDATA-FAST-ACCURACY", ModeShortDataFastAccuracy, false},
		{" longdata-range-accuracy ", ModeLongDataRangeAccuracy, false},
		{"turbo", Mode{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMode(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMode(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}

	for _, name := range ModeNames() {
		if _, err := ParseMode(name); err != nil {
			t.Errorf("ModeNames() lists %q but ParseMode rejects it: %v", name, err)
		}
	}
}

func TestParsePRF(t *testing.T) {
	for in, want := range map[string]PRF{"16": PRF16MHz, "64MHz": PRF64MHz, "64mhz": PRF64MHz} {
		got, err := ParsePRF(in)
		if err != nil || got != want {
			t.Errorf("ParsePRF(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParsePRF("32"); err == nil {
		t.Error("expected error for 32")
	}
}

func TestModeString(t *testing.T) {
	if got := ModeLongDataRangeLowPower.String(); got != "110kbps/16MHz/2048" {
		t.Errorf("String() = %q", got)
	}
}
