package dockache

import "testing"

func TestNamespacedName(t *testing.T) {
	if got := namespacedName("", "widgets"); got != "widgets" {
		t.Errorf("namespacedName(\"\", widgets) = %q, want widgets", got)
	}
	if got := namespacedName("prod", "widgets"); got != "prod.widgets" {
		t.Errorf("namespacedName(prod, widgets) = %q, want prod.widgets", got)
	}
}

func TestRegistry_RegisterReleaseIsRegistered(t *testing.T) {
	r := &registry{byKey: make(map[string]Registration)}

	if r.isRegistered("a") {
		t.Fatal("a should not be registered yet")
	}
	if err := r.register("client-x", "a"); err != nil {
		t.Fatalf("register(a): %v", err)
	}
	if !r.isRegistered("a") {
		t.Error("a should be registered")
	}

	if err := r.register("client-y", "a"); err == nil {
		t.Fatal("registering a already-claimed name should fail")
	} else if CodeOf(err) != DuplicateDatabase {
		t.Errorf("code = %v, want DuplicateDatabase", CodeOf(err))
	}

	r.release("a")
	if r.isRegistered("a") {
		t.Error("a should not be registered after release")
	}
	if err := r.register("client-x", "a"); err != nil {
		t.Errorf("re-registering a released name should succeed: %v", err)
	}
}

func TestRegistry_RegisterIsCaseInsensitive(t *testing.T) {
	r := &registry{byKey: make(map[string]Registration)}

	if err := r.register("client-x", "NS.Foo"); err != nil {
		t.Fatalf("register(NS.Foo): %v", err)
	}
	if !r.isRegistered("ns.foo") {
		t.Error("isRegistered should match case-insensitively")
	}
	if err := r.register("client-y", "ns.foo"); err == nil {
		t.Fatal("registering a name differing only in case should fail")
	} else if CodeOf(err) != DuplicateDatabase {
		t.Errorf("code = %v, want DuplicateDatabase", CodeOf(err))
	}
}

func TestRegistry_List(t *testing.T) {
	r := &registry{byKey: make(map[string]Registration)}
	if got := r.list(); len(got) != 0 {
		t.Fatalf("list() on empty registry = %v, want empty", got)
	}

	if err := r.register("client-x", "a"); err != nil {
		t.Fatalf("register(a): %v", err)
	}
	if err := r.register("client-y", "b"); err != nil {
		t.Fatalf("register(b): %v", err)
	}

	got := r.list()
	if len(got) != 2 {
		t.Fatalf("list() = %v, want 2 entries", got)
	}
	byName := make(map[string]Registration, len(got))
	for _, reg := range got {
		byName[reg.FullName] = reg
	}
	if byName["a"].Client != "client-x" {
		t.Errorf("registration for a = %+v, want client-x", byName["a"])
	}
	if byName["b"].Client != "client-y" {
		t.Errorf("registration for b = %+v, want client-y", byName["b"])
	}

	// A returned snapshot must not alias future registry state: further
	// registrations must not retroactively appear in an already-returned
	// slice.
	if err := r.register("client-z", "c"); err != nil {
		t.Fatalf("register(c): %v", err)
	}
	if len(got) != 2 {
		t.Error("previously captured snapshot should not grow")
	}
}
