package servecache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCanonicalURI(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "/"},
		{"/", "/"},
		{"/a", "/a"},
		{"a", "/a"},
		{"/a/", "/a"},
		{"/a//b", "/a/b"},
		{"/a/./b", "/a/b"},
		{"/a/../b", "/b"},
		{"/../../etc/passwd", "/etc/passwd"},
	}
	for _, tc := range cases {
		if got := canonicalURI(tc.in); got != tc.want {
			t.Errorf("canonicalURI(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMountResolvesFilesBeneathDir(t *testing.T) {
	ctx := context.Background()
	cc, _ := newTestCache(t, nil)

	root := t.TempDir()
	sub := filepath.Join(root, "css")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(root, "index.html"), "index")
	writeFile(t, filepath.Join(sub, "site.css"), "body{}")

	if err := cc.Map(MappingSpec{URI: "/static", Dir: root}); err != nil {
		t.Fatalf("Map dir: %v", err)
	}

	res, err := cc.Resolve("/static/index.html")
	if err != nil {
		t.Fatalf("Resolve top-level: %v", err)
	}
	out, err := cc.GetBytes(ctx, res, nil)
	if err != nil || string(out.Bytes) != "index" {
		t.Fatalf("got %q err %v", out.Bytes, err)
	}

	nested, err := cc.Resolve("/static/css/site.css")
	if err != nil {
		t.Fatalf("Resolve nested: %v", err)
	}
	if nested.Kind() != KindFileBacked {
		t.Fatalf("derived kind = %v, want file", nested.Kind())
	}

	// repeated resolves reuse the derived resource
	again, err := cc.Resolve("/static/css/site.css")
	if err != nil {
		t.Fatal(err)
	}
	if again != nested {
		t.Fatalf("derived resource not reused")
	}
}

func TestMountMissesResolveNothing(t *testing.T) {
	cc, _ := newTestCache(t, nil)

	root := t.TempDir()
	if err := cc.Map(MappingSpec{URI: "/static", Dir: root}); err != nil {
		t.Fatal(err)
	}

	// the mount prefix itself, a missing file, and a directory all miss
	for _, uri := range []string{"/static", "/static/", "/static/missing.txt"} {
		if _, err := cc.Resolve(uri); !IsMappingNotFound(err) {
			t.Errorf("Resolve(%q) err = %v, want MappingNotFoundError", uri, err)
		}
	}
}

func TestMountPicksUpLaterCreatedFile(t *testing.T) {
	cc, _ := newTestCache(t, nil)

	root := t.TempDir()
	if err := cc.Map(MappingSpec{URI: "/static", Dir: root}); err != nil {
		t.Fatal(err)
	}

	if _, err := cc.Resolve("/static/new.txt"); !IsMappingNotFound(err) {
		t.Fatalf("pre-create err = %v, want MappingNotFoundError", err)
	}
	writeFile(t, filepath.Join(root, "new.txt"), "here now")
	if _, err := cc.Resolve("/static/new.txt"); err != nil {
		t.Fatalf("post-create: %v", err)
	}
}

func TestMountTraversalStaysInside(t *testing.T) {
	cc, _ := newTestCache(t, nil)

	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), "secret.txt")
	writeFile(t, outside, "secret")
	t.Cleanup(func() { _ = os.Remove(outside) })

	if err := cc.Map(MappingSpec{URI: "/static", Dir: root}); err != nil {
		t.Fatal(err)
	}

	// dot segments are cleaned before prefix matching, so these never reach
	// the mount's directory
	for _, uri := range []string{
		"/static/../secret.txt",
		"/static/../../secret.txt",
		"/static/a/../../secret.txt",
	} {
		if _, err := cc.Resolve(uri); !IsMappingNotFound(err) {
			t.Errorf("Resolve(%q) err = %v, want MappingNotFoundError", uri, err)
		}
	}
}

func TestLongestMountPrefixWins(t *testing.T) {
	ctx := context.Background()
	cc, _ := newTestCache(t, nil)

	outer := t.TempDir()
	inner := t.TempDir()
	writeFile(t, filepath.Join(outer, "a.txt"), "outer")
	writeFile(t, filepath.Join(inner, "a.txt"), "inner")

	if err := cc.Map(MappingSpec{URI: "/static", Dir: outer}); err != nil {
		t.Fatal(err)
	}
	if err := cc.Map(MappingSpec{URI: "/static/v2", Dir: inner}); err != nil {
		t.Fatal(err)
	}

	res, err := cc.Resolve("/static/v2/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	out, err := cc.GetBytes(ctx, res, nil)
	if err != nil || string(out.Bytes) != "inner" {
		t.Fatalf("got %q err %v, want inner", out.Bytes, err)
	}

	res, err = cc.Resolve("/static/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	out, err = cc.GetBytes(ctx, res, nil)
	if err != nil || string(out.Bytes) != "outer" {
		t.Fatalf("got %q err %v, want outer", out.Bytes, err)
	}
}

func TestExactMappingShadowsMount(t *testing.T) {
	ctx := context.Background()
	cc, _ := newTestCache(t, nil)

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "from mount")
	dir := t.TempDir()
	p := filepath.Join(dir, "override.txt")
	writeFile(t, p, "from exact")

	if err := cc.Map(MappingSpec{URI: "/static", Dir: root}); err != nil {
		t.Fatal(err)
	}
	if err := cc.Map(MappingSpec{URI: "/static/a.txt", Path: p}); err != nil {
		t.Fatal(err)
	}

	res, err := cc.Resolve("/static/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	out, err := cc.GetBytes(ctx, res, nil)
	if err != nil || string(out.Bytes) != "from exact" {
		t.Fatalf("got %q err %v, want the exact mapping", out.Bytes, err)
	}
}

func TestUnmapMountRetiresDerived(t *testing.T) {
	cc, fw := newTestCache(t, nil)

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "x")

	if err := cc.Map(MappingSpec{URI: "/static", Dir: root}); err != nil {
		t.Fatal(err)
	}
	if !fw.isWatched(filepath.Clean(root)) {
		t.Fatalf("mount should watch its directory")
	}
	res, err := cc.Resolve("/static/a.txt")
	if err != nil {
		t.Fatal(err)
	}

	if err := cc.Unmap("/static"); err != nil {
		t.Fatalf("Unmap mount: %v", err)
	}
	if _, err := cc.Resolve("/static/a.txt"); !IsMappingNotFound(err) {
		t.Fatalf("err = %v, want MappingNotFoundError", err)
	}
	if !res.removed.Load() {
		t.Fatalf("derived resource should be retired with its mount")
	}
	if fw.isWatched(filepath.Clean(root)) {
		t.Fatalf("mount watch should be removed")
	}
}

func TestMapValidation(t *testing.T) {
	cc, _ := newTestCache(t, nil)

	gen := GeneratorFunc(func(context.Context) ([]byte, error) { return nil, nil })
	bad := []MappingSpec{
		{},                                  // no URI
		{URI: "/x"},                         // no target
		{URI: "/x", Path: "a", Dir: "b"},    // two targets
		{URI: "/x", Path: "a", Generator: gen},
		{URI: "/x", Path: "a", Dir: "b", Generator: gen},
	}
	for i, spec := range bad {
		if err := cc.Map(spec); err == nil {
			t.Errorf("spec %d: Map accepted an invalid mapping", i)
		}
	}
}
