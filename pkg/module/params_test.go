package module

import "testing"

type decodeTarget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestDecodeParamsFromTypedStruct(t *testing.T) {
	t.Parallel()

	var got decodeTarget
	if err := DecodeParams(decodeTarget{Name: "backup", Count: 3}, &got); err != nil {
		t.Fatalf("DecodeParams error: %v", err)
	}
	if got.Name != "backup" || got.Count != 3 {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestDecodeParamsFromMap(t *testing.T) {
	t.Parallel()

	var got decodeTarget
	params := map[string]any{"name": "sweep", "count": 7}
	if err := DecodeParams(params, &got); err != nil {
		t.Fatalf("DecodeParams error: %v", err)
	}
	if got.Name != "sweep" || got.Count != 7 {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestDecodeParamsNilLeavesTargetUnchanged(t *testing.T) {
	t.Parallel()

	got := decodeTarget{Name: "keep"}
	if err := DecodeParams(nil, &got); err != nil {
		t.Fatalf("DecodeParams error: %v", err)
	}
	if got.Name != "keep" {
		t.Fatalf("decoded = %+v, want unchanged", got)
	}
}

func TestDecodeParamsRejectsMismatchedShape(t *testing.T) {
	t.Parallel()

	var got decodeTarget
	if err := DecodeParams(map[string]any{"count": "not a number"}, &got); err == nil {
		t.Fatal("expected a decode error")
	}
}
