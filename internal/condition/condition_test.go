package condition

import (
	"errors"
	"testing"

	"github.com/danmuck/regsync/internal/testutil/testlog"
)

func testContext() Context {
	return Context{
		Loaded: []string{"core", "extras"},
		Flags:  map[string]bool{"beta": true, "legacy": false},
		Vars:   map[string]string{"region": "eu"},
	}
}

func TestHCLInclude(t *testing.T) {
	testlog.Start(t)

	h := &HCL{Getenv: func(name string) string {
		if name == "REGSYNC_STAGE" {
			return "prod"
		}
		return ""
	}}
	cases := []struct {
		name    string
		payload string
		want    bool
	}{
		{name: "no field", payload: `{"type":"a:b"}`, want: true},
		{name: "null field", payload: `{"conditions":null}`, want: true},
		{name: "empty list", payload: `{"conditions":[]}`, want: true},
		{name: "loaded", payload: `{"conditions":["loaded(\"core\")"]}`, want: true},
		{name: "not loaded", payload: `{"conditions":["loaded(\"missing\")"]}`, want: false},
		{name: "negated", payload: `{"conditions":["!loaded(\"missing\")"]}`, want: true},
		{name: "flag set", payload: `{"conditions":["flag(\"beta\")"]}`, want: true},
		{name: "flag unset", payload: `{"conditions":["flag(\"nope\")"]}`, want: false},
		{name: "all must hold", payload: `{"conditions":["flag(\"beta\")","flag(\"legacy\")"]}`, want: false},
		{name: "vars", payload: `{"conditions":["vars.region == \"eu\""]}`, want: true},
		{name: "env", payload: `{"conditions":["env(\"REGSYNC_STAGE\") == \"prod\""]}`, want: true},
		{name: "not an object", payload: `[1]`, want: true},
	}
	for _, tc := range cases {
		got, err := h.Include([]byte(tc.payload), testContext())
		if err != nil {
			t.Fatalf("%s: include: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got=%v want=%v", tc.name, got, tc.want)
		}
	}
}

func TestHCLIncludeErrors(t *testing.T) {
	testlog.Start(t)

	h := NewHCL()
	cases := []struct {
		name    string
		payload string
		want    error
	}{
		{name: "not a list", payload: `{"conditions":"flag(\"beta\")"}`, want: ErrMalformed},
		{name: "syntax", payload: `{"conditions":["flag(("]}`, want: ErrSyntax},
		{name: "string result", payload: `{"conditions":["\"yes\""]}`, want: ErrNotBool},
	}
	for _, tc := range cases {
		got, err := h.Include([]byte(tc.payload), testContext())
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if got {
			t.Fatalf("%s: errors must exclude", tc.name)
		}
	}

	if _, err := h.Include([]byte(`{"conditions":["unknown_fn()"]}`), testContext()); err == nil {
		t.Fatalf("expected unknown function to fail")
	}
}

func TestAlways(t *testing.T) {
	testlog.Start(t)

	ok, err := Always{}.Include(nil, Context{})
	if err != nil || !ok {
		t.Fatalf("always: ok=%v err=%v", ok, err)
	}
}
