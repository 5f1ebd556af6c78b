// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package render

import (
	"testing"

	"github.com/ashfall/forge/driver"
)

func reflOf(stage driver.Stage, bindings ...ReflectedBinding) *Reflection {
	return &Reflection{Stage: stage, Bindings: bindings}
}

func TestCombineReflectionsMergesStageMasks(t *testing.T) {
	vert := reflOf(driver.SVertex, ReflectedBinding{Set: 0, Binding: 0, Type: driver.DConstant, Count: 1})
	frag := reflOf(driver.SFragment, ReflectedBinding{Set: 0, Binding: 0, Type: driver.DConstant, Count: 1})

	cl, err := combineReflections([]*Reflection{vert, frag})
	if err != nil {
		t.Fatal(err)
	}
	if len(cl.sets) != 1 || len(cl.sets[0]) != 1 {
		t.Fatalf("expected a single merged binding, got %+v", cl.sets)
	}
	got := cl.sets[0][0].Stages
	want := driver.SVertex | driver.SFragment
	if got != want {
		t.Fatalf("expected merged stage mask %v, got %v", want, got)
	}
}

func TestCombineReflectionsRejectsTooManySets(t *testing.T) {
	r := reflOf(driver.SVertex, ReflectedBinding{Set: MaxDescriptorSets, Binding: 0, Type: driver.DConstant, Count: 1})
	if _, err := combineReflections([]*Reflection{r}); err == nil {
		t.Fatalf("expected an error for a set index at the limit")
	}
}

func TestLayoutCacheDedupesByContentHash(t *testing.T) {
	dev := newTestDevice(t, Config{})
	r1 := reflOf(driver.SVertex, ReflectedBinding{Set: 0, Binding: 0, Type: driver.DConstant, Count: 1})
	r2 := reflOf(driver.SVertex, ReflectedBinding{Set: 0, Binding: 0, Type: driver.DConstant, Count: 1})

	l1, err := dev.layouts.acquire([]*Reflection{r1})
	if err != nil {
		t.Fatal(err)
	}
	l2, err := dev.layouts.acquire([]*Reflection{r2})
	if err != nil {
		t.Fatal(err)
	}
	if l1 != l2 {
		t.Fatalf("identical combined layouts must share one PipelineLayout")
	}
	dev.layouts.release(l1)
	dev.layouts.release(l2)
}

func TestLayoutCacheReleasesWhenUnreferenced(t *testing.T) {
	dev := newTestDevice(t, Config{})
	r := reflOf(driver.SVertex, ReflectedBinding{Set: 0, Binding: 0, Type: driver.DConstant, Count: 1})

	l, err := dev.layouts.acquire([]*Reflection{r})
	if err != nil {
		t.Fatal(err)
	}
	h := l.hash
	dev.layouts.release(l)

	dev.layouts.mu.Lock()
	_, stillCached := dev.layouts.byHash[h]
	dev.layouts.mu.Unlock()
	if stillCached {
		t.Fatalf("layout with zero references must be evicted from the cache")
	}
}
