package tools

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ShayCichocki/squad/pkg/models"
)

type fakeLookup map[string]bool

func (f fakeLookup) LookPath(name string) (string, error) {
	if f[name] {
		return "/usr/bin/" + name, nil
	}
	return "", errors.New("not found")
}

func TestDiscover_PrefersFirstHit(t *testing.T) {
	host := fakeLookup{"ag": true, "grep": true, "fdfind": true, "cat": true, "jq": true}
	r := Discover(host)

	tests := []struct {
		capability Capability
		want       string
		ok         bool
	}{
		{Search, "ag", true},
		{FileFind, "fdfind", true},
		{FileView, "cat", true},
		{JSONProcess, "jq", true},
		{VCSHost, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.capability), func(t *testing.T) {
			got, ok := r.BestFor(tt.capability)
			if got != tt.want || ok != tt.ok {
				t.Errorf("BestFor(%s) = %q, %v; want %q, %v", tt.capability, got, ok, tt.want, tt.ok)
			}
		})
	}

	missing := r.Missing()
	found := false
	for _, c := range missing {
		if c == VCSHost {
			found = true
		}
	}
	if !found {
		t.Errorf("Missing() = %v, want vcs-host included", missing)
	}
}

func TestDiscover_Idempotent(t *testing.T) {
	host := fakeLookup{"rg": true, "fd": true, "gh": true}
	a, b := Discover(host), Discover(host)
	if !reflect.DeepEqual(a.All(), b.All()) || !reflect.DeepEqual(a.Missing(), b.Missing()) {
		t.Error("two discoveries on the same host must be equal")
	}
}

func TestAll_ReturnsCopy(t *testing.T) {
	r := Discover(fakeLookup{"rg": true})
	m := r.All()
	m[Search] = "mutated"
	if got, _ := r.BestFor(Search); got != "rg" {
		t.Errorf("registry mutated through All(): %q", got)
	}
}

func TestSuggestFor(t *testing.T) {
	r := Discover(fakeLookup{"rg": true, "fd": true, "jq": true, "gh": true, "yq": true})

	item := models.NewWorkItem("t1", "Parse the JSON payload", "and open a pull request")
	item.Tags = []string{"yaml-process"}

	got := r.SuggestFor(item)
	want := map[Capability]string{
		Search:      "rg",
		FileFind:    "fd",
		JSONProcess: "jq",
		VCSHost:     "gh",
		YAMLProcess: "yq",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SuggestFor() = %v, want %v", got, want)
	}
}

func TestSuggestFor_OmitsUnavailable(t *testing.T) {
	r := Discover(fakeLookup{})
	if got := r.SuggestFor(models.NewWorkItem("t1", "search everything", "")); len(got) != 0 {
		t.Errorf("SuggestFor() on empty host = %v, want empty", got)
	}
}
