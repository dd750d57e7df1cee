package boxes_test

import (
	"errors"
	"testing"

	"github.com/shubham-shewale/boxstream/pkg/boxes"
)

func TestDefaultRegistry(t *testing.T) {
	r := boxes.DefaultRegistry()

	want := map[string]int{"1": 17, "2": 61, "3": 27, "d": 10}
	for name, n := range want {
		p, err := r.Get(name)
		if err != nil {
			t.Fatalf("profile %s missing: %v", name, err)
		}
		if p.Len() != n {
			t.Errorf("profile %s: expected %d magnitudes, got %d", name, n, p.Len())
		}
	}

	if _, err := r.Get("missing"); !errors.Is(err, boxes.ErrInvalidProfile) {
		t.Errorf("Expected ErrInvalidProfile, got %v", err)
	}
}

func TestNewProfile_Validation(t *testing.T) {
	cases := map[string][]int{
		"empty":      {},
		"zero":       {0, 10},
		"negative":   {-5},
		"duplicate":  {10, 10},
		"descending": {20, 10},
	}
	for name, ms := range cases {
		if _, err := boxes.NewProfile(name, ms); !errors.Is(err, boxes.ErrInvalidProfile) {
			t.Errorf("%s: expected ErrInvalidProfile, got %v", name, err)
		}
	}
}

func TestProfile_MagnitudesIsACopy(t *testing.T) {
	p, _ := boxes.NewProfile("x", []int{10, 20})
	ms := p.Magnitudes()
	ms[0] = 999
	if p.Magnitudes()[0] != 10 {
		t.Error("Profile mutated through Magnitudes()")
	}
}
