package corpus_test

import (
	"encoding/hex"
	"testing"

	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
)

func TestDecodeSourceText(t *testing.T) {
	note := "Patient reports chest pain radiating to the left arm."
	decoded, err := corpus.DecodeSourceText(hex.EncodeToString([]byte(note)))
	if err != nil {
		t.Fatalf("DecodeSourceText: %v", err)
	}
	if decoded != note {
		t.Errorf("decoded %q, want %q", decoded, note)
	}
}

func TestDecodeSourceText_InvalidHex(t *testing.T) {
	_, err := corpus.DecodeSourceText("not hex at all")
	if !fault.IsKind(err, fault.InvalidInput) {
		t.Fatalf("kind: got %v (%v)", fault.KindOf(err), err)
	}
}

func TestValidateVector(t *testing.T) {
	if err := corpus.ValidateVector([]float32{0.1, 0.2, 0.3}, 3); err != nil {
		t.Errorf("valid vector rejected: %v", err)
	}

	err := corpus.ValidateVector([]float32{0.1, 0.2}, 3)
	if !fault.IsKind(err, fault.InvalidInput) {
		t.Errorf("dimension mismatch kind: %v", fault.KindOf(err))
	}

	err = corpus.ValidateVector(make([]float32, 3), 3)
	if !fault.IsKind(err, fault.MockEmbedding) {
		t.Errorf("zero vector kind: %v", fault.KindOf(err))
	}
}

func TestCanonicalize(t *testing.T) {
	undirected := corpus.Relationship{SourceEntityID: 9, TargetEntityID: 4, Kind: corpus.RelCoOccursWith}
	got, err := undirected.Canonicalize()
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if got.SourceEntityID != 4 || got.TargetEntityID != 9 {
		t.Errorf("undirected edge not reordered: %s", got)
	}

	directed := corpus.Relationship{SourceEntityID: 9, TargetEntityID: 4, Kind: corpus.RelTreats}
	got, err = directed.Canonicalize()
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if got.SourceEntityID != 9 || got.TargetEntityID != 4 {
		t.Errorf("directed edge reordered: %s", got)
	}

	self := corpus.Relationship{SourceEntityID: 4, TargetEntityID: 4, Kind: corpus.RelCoOccursWith}
	if _, err := self.Canonicalize(); !fault.IsKind(err, fault.InvalidInput) {
		t.Errorf("self edge kind: %v", fault.KindOf(err))
	}
}

func TestEntityTypeIsValid(t *testing.T) {
	for _, typ := range []corpus.EntityType{
		corpus.EntitySymptom, corpus.EntityCondition, corpus.EntityMedication,
		corpus.EntityProcedure, corpus.EntityBodyPart, corpus.EntityTemporal,
	} {
		if !typ.IsValid() {
			t.Errorf("%s not valid", typ)
		}
	}
	if corpus.EntityType("DIAGNOSIS_CODE").IsValid() {
		t.Error("unknown type accepted")
	}
}
