package notify

import "testing"

func TestRenderHeader(t *testing.T) {
	custom := func(s string) *string { return &s }

	cases := []struct {
		name     string
		template *string
		streamer string
		want     string
	}{
		{"default", nil, "pewpew", "pewpew started stream"},
		{"custom", custom("LIVE: $streamer_name!"), "pewpew", "LIVE: pewpew!"},
		{"braced", custom("${streamer_name} is on"), "pewpew", "pewpew is on"},
		{"empty suppresses header", custom(""), "pewpew", ""},
		{"no placeholder", custom("stream started"), "pewpew", "stream started"},
		{"unknown token stays literal", custom("$other went $streamer_name"), "x", "$other went x"},
		{"unknown braced stays literal", custom("${other} up"), "x", "${other} up"},
		{"double dollar collapses", custom("$$5 $streamer_name"), "x", "$5 x"},
		{"trailing dollar kept", custom("price in $"), "x", "price in $"},
		{"adjacent text", custom("go_$streamer_name-now"), "x", "go_x-now"},
		{"name with markup chars", nil, "a<b>&c", "a<b>&c started stream"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RenderHeader(tc.template, tc.streamer)
			if got != tc.want {
				t.Fatalf("RenderHeader() = %q, want %q", got, tc.want)
			}
		})
	}
}
