// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package catalog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/creachadair/fan"
	"github.com/creachadair/fan/catalog"
	"github.com/creachadair/mds/mtest"
	"github.com/google/go-cmp/cmp"
)

func constMethod(s string) fan.Method {
	return func(*fan.Context, *fan.Call) (any, error) { return s, nil }
}

func TestCatalogUsage(t *testing.T) {
	cat := catalog.New().
		Add("minsc", constMethod("hamster")).
		Add("boo", constMethod("squeak")).
		Add("dynaheir", constMethod("magic"))

	t.Run("Methods", func(t *testing.T) {
		var got []string
		for _, ms := range cat.Methods() {
			got = append(got, ms.Name)
		}
		if diff := cmp.Diff(got, []string{"minsc", "boo", "dynaheir"}); diff != "" {
			t.Errorf("Methods (-got, +want):\n%s", diff)
		}
	})

	t.Run("Names", func(t *testing.T) {
		if diff := cmp.Diff(cat.Names(), []string{"boo", "dynaheir", "minsc"}); diff != "" {
			t.Errorf("Names (-got, +want):\n%s", diff)
		}
	})

	t.Run("Method", func(t *testing.T) {
		if m := cat.Method("nonesuch"); m != nil {
			t.Error("Method nonesuch: got non-nil, want nil")
		}
		v, err := cat.Method("boo")(nil, nil)
		if err != nil || v != "squeak" {
			t.Errorf("Method boo: got (%v, %v), want squeak", v, err)
		}
	})

	t.Run("Shared", func(t *testing.T) {
		cp := cat
		cp.Add("viconia", constMethod("drow"))
		if got := cat.Len(); got != 4 {
			t.Errorf("Len after adding to copy: got %d, want 4", got)
		}
	})

	t.Run("Call", func(t *testing.T) {
		d := fan.NewLocalDiscovery()
		if err := d.Register(fan.MustLocal(catalog.Service("party", cat))); err != nil {
			t.Fatalf("Register: %v", err)
		}
		ctx := fan.NewContext(context.Background(), d)
		var got string
		if err := ctx.Call("party", "dynaheir", nil, &got); err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		} else if got != "magic" {
			t.Errorf("Call: got %q, want magic", got)
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		dup := catalog.New().Add("x", constMethod("a")).Add("x", constMethod("b"))
		_, err := fan.NewLocalEndpoint(catalog.Service("dup", dup))
		if !errors.Is(err, fan.ErrDuplicateMethod) {
			t.Errorf("NewLocalEndpoint: got %v, want %v", err, fan.ErrDuplicateMethod)
		}
		mtest.MustPanic(t, func() { fan.MustLocal(catalog.Service("dup", dup)) })
	})
}

func TestCatalogEncoding(t *testing.T) {
	initCat := func() catalog.Catalog {
		return catalog.New().
			Add("minsc", constMethod("")).
			Add("boo", constMethod("")).
			Add("dynaheir", constMethod("")).
			Add("viconia", constMethod(""))
	}
	wantNames := []string{"minsc", "boo", "dynaheir", "viconia"}

	t.Run("Empty", func(t *testing.T) {
		if enc := catalog.New().Encode(); enc != nil {
			t.Errorf("Encode empty: got %q, want nil", enc)
		}
		got, err := catalog.Decode(nil)
		if err != nil || len(got) != 0 {
			t.Errorf("Decode empty: got (%q, %v), want empty", got, err)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		enc := initCat().Encode()
		t.Logf("Encoded catalog: %q", enc)
		got, err := catalog.Decode(enc)
		if err != nil {
			t.Fatalf("Decode catalog: unexpected error: %v", err)
		}
		if diff := cmp.Diff(got, wantNames); diff != "" {
			t.Errorf("Decode (-got, +want):\n%s", diff)
		}
	})

	t.Run("Layout", func(t *testing.T) {
		// Names appear in the order they were added, not sorted.
		enc := catalog.New().Add("b", constMethod("")).Add("aa", constMethod("")).Encode()
		if got, want := string(enc), "\x00\x01b\x00\x02aa"; got != want {
			t.Errorf("Encode: got %q, want %q", got, want)
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		enc := initCat().Encode()
		for _, n := range []int{1, 5, len(enc) - 1} {
			if got, err := catalog.Decode(enc[:n]); err == nil {
				t.Errorf("Decode %d bytes: got %q, want error", n, got)
			}
		}
	})

	t.Run("Handler", func(t *testing.T) {
		cat := initCat()
		cat.Add("catalog", cat.Handler)

		d := fan.NewLocalDiscovery()
		if err := d.Register(fan.MustLocal(catalog.Service("party", cat))); err != nil {
			t.Fatalf("Register: %v", err)
		}
		var enc []byte
		if err := fan.NewContext(context.Background(), d).Call("party", "catalog", nil, &enc); err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		got, err := catalog.Decode(enc)
		if err != nil {
			t.Fatalf("Decode response: unexpected error: %v", err)
		}
		if diff := cmp.Diff(got, append(wantNames, "catalog")); diff != "" {
			t.Errorf("Catalog (-got, +want):\n%s", diff)
		}
	})
}
