package version

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		tag     string
		wantErr bool
		want    []int
	}{
		{"1.2.3", false, []int{1, 2, 3}},
		{"v1.2.3", false, []int{1, 2, 3}},
		{"ver1.2.3", false, []int{1, 2, 3}},
		{"V2.0", false, []int{2, 0}},
		{"1.2.3.4", false, []int{1, 2, 3, 4}},
		{"1", true, nil},
		{"not-a-version", true, nil},
		{"1.2.3.4.5", true, nil},
		{"1.x.3", true, nil},
	}

	for _, tt := range tests {
		got, err := Parse(tt.tag)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %+v", tt.tag, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", tt.tag, err)
		}
		if len(got.Components) != len(tt.want) {
			t.Fatalf("Parse(%q): components = %v, want %v", tt.tag, got.Components, tt.want)
		}
		for i := range tt.want {
			if got.Components[i] != tt.want[i] {
				t.Errorf("Parse(%q): components[%d] = %d, want %d", tt.tag, i, got.Components[i], tt.want[i])
			}
		}
	}
}

func TestParseFriendlyRoundTrip(t *testing.T) {
	for _, tag := range []string{"1.0.0", "v1.0.0", "ver2.3.4.5", "V10.0"} {
		got, err := Parse(tag)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", tag, err)
		}
		if got.Friendly != tag {
			t.Errorf("Parse(%q).Friendly = %q, want %q", tag, got.Friendly, tag)
		}
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.1", -1},
		{"1.2.0", "1.1.9", 1},
		{"1.2", "1.2.0.0", 0},
		{"v1.2.3", "1.2.3", 0},
		{"2.0.0", "2.0.0", 0},
		{"1.10.0", "1.9.0", 1},
	}

	for _, tt := range tests {
		a, err := Parse(tt.a)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", tt.a, err)
		}
		b, err := Parse(tt.b)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", tt.b, err)
		}
		if got := a.Compare(b); got != tt.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParseTagsSortsDescendingAndSkipsUnparseable(t *testing.T) {
	tags := []string{"v1.0.0", "garbage", "v2.0.0", "v1.5.0", "latest"}
	versions := ParseTags(tags)

	if len(versions) != 3 {
		t.Fatalf("expected 3 parsed versions, got %d: %+v", len(versions), versions)
	}
	want := []string{"v2.0.0", "v1.5.0", "v1.0.0"}
	for i, w := range want {
		if versions[i].Friendly != w {
			t.Errorf("versions[%d] = %q, want %q", i, versions[i].Friendly, w)
		}
	}
}

func TestSetAddContainsRemove(t *testing.T) {
	var s Set
	s.Add(MustParse("1.0.0"))
	s.Add(MustParse("1.1.0"))
	s.Add(MustParse("v1.0.0")) // duplicate numerically, should not double-add

	if len(s.Versions()) != 2 {
		t.Fatalf("expected 2 members, got %d", len(s.Versions()))
	}
	if !s.Contains(MustParse("1.0.0")) {
		t.Error("expected set to contain 1.0.0")
	}

	s.Remove(MustParse("1.0.0"))
	if s.Contains(MustParse("1.0.0")) {
		t.Error("expected 1.0.0 to be removed")
	}
	if len(s.Versions()) != 1 {
		t.Fatalf("expected 1 member after remove, got %d", len(s.Versions()))
	}
}

func TestSetUnion(t *testing.T) {
	a := NewSet("1.0.0", "1.1.0")
	b := NewSet("1.1.0", "1.2.0")

	u := a.Union(b)
	if len(u.Versions()) != 3 {
		t.Fatalf("expected 3 members in union, got %d: %v", len(u.Versions()), u.Friendly())
	}
}
