package template

import (
	"reflect"
	"testing"

	"github.com/draftsmith/draftsmith/internal/models"
)

func TestMergeHeaderRoundTrip(t *testing.T) {
	tmpl := models.Template{Content: "Subject: {{name}}\nTo: {{email}}\n\nHello {{name}}"}
	contact := models.Contact{ID: "c1", Email: "a@x.com", Fields: map[string]string{"name": "Ann"}}

	r := Merge(tmpl, contact)

	if r.Subject != "Ann" {
		t.Fatalf("expected subject %q, got %q", "Ann", r.Subject)
	}
	if !reflect.DeepEqual(r.Recipients, []string{"a@x.com"}) {
		t.Fatalf("expected recipients [a@x.com], got %v", r.Recipients)
	}
	if r.Body != "Hello Ann" {
		t.Fatalf("expected body %q, got %q", "Hello Ann", r.Body)
	}
}

func TestMergeIsPure(t *testing.T) {
	tmpl := models.Template{Content: "Subject: {{a}} and {{b}}\n\n{{a}} {{b}} {{missing}}"}
	contact := models.Contact{ID: "c1", Email: "c@x.com", Fields: map[string]string{"a": "1", "b": "2"}}

	first := Merge(tmpl, contact)
	second := Merge(tmpl, contact)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("merge is not idempotent: %+v vs %+v", first, second)
	}
	if first.Body != "1 2 " {
		t.Fatalf("missing fields should substitute empty, got %q", first.Body)
	}
}

func TestMergeWithoutHeaders(t *testing.T) {
	tmpl := models.Template{Content: "Hi {{name}}, welcome."}
	contact := models.Contact{ID: "c1", Email: "x@y.com", Fields: map[string]string{"name": "Bo"}}

	r := Merge(tmpl, contact)

	if r.Subject != "" {
		t.Fatalf("expected empty subject, got %q", r.Subject)
	}
	if !reflect.DeepEqual(r.Recipients, []string{"x@y.com"}) {
		t.Fatalf("expected fallback to contact email, got %v", r.Recipients)
	}
	if r.Body != "Hi Bo, welcome." {
		t.Fatalf("unexpected body %q", r.Body)
	}
}

func TestMergeSplitsRecipientList(t *testing.T) {
	tmpl := models.Template{Content: "To: {{others}}\n\nbody"}
	contact := models.Contact{
		ID:     "c1",
		Email:  "fallback@x.com",
		Fields: map[string]string{"others": "a@x.com, b@x.com; c@x.com d@x.com"},
	}

	r := Merge(tmpl, contact)

	want := []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com"}
	if !reflect.DeepEqual(r.Recipients, want) {
		t.Fatalf("expected %v, got %v", want, r.Recipients)
	}
}

func TestMergeEmptyRecipientMergeFallsBack(t *testing.T) {
	tmpl := models.Template{Content: "To: {{missing}}\n\nbody"}
	contact := models.Contact{ID: "c1", Email: "fb@x.com"}

	r := Merge(tmpl, contact)

	if !reflect.DeepEqual(r.Recipients, []string{"fb@x.com"}) {
		t.Fatalf("expected fallback recipient, got %v", r.Recipients)
	}
}

func TestVariables(t *testing.T) {
	got := Variables("Subject: {{name}}\n\n{{greeting}} {{name}}, from {{sender}}")
	want := []string{"name", "greeting", "sender"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestParseRecipientsHeaderAlias(t *testing.T) {
	p := Parse("Recipients: a@x.com\nSubject: hi\n\nbody")
	if p.Recipients != "a@x.com" || p.Subject != "hi" || p.Body != "body" {
		t.Fatalf("unexpected parse result: %+v", p)
	}
}
