package txcoord

import (
	"errors"
	"testing"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		name          string
		propagation   Propagation
		hasExisting   bool
		nestedAllowed bool
		wantAction    action
		wantErrType   error
	}{
		{"required joins existing", PropagationRequired, true, true, actionJoinExisting, nil},
		{"required starts new", PropagationRequired, false, true, actionStartNew, nil},
		{"requires_new suspends existing", PropagationRequiresNew, true, true, actionSuspendAndStartNew, nil},
		{"requires_new starts new without existing", PropagationRequiresNew, false, true, actionStartNew, nil},
		{"nested creates savepoint", PropagationNested, true, true, actionCreateSavepoint, nil},
		{"nested starts new without existing", PropagationNested, false, true, actionStartNew, nil},
		{"nested rejected when disallowed", PropagationNested, true, false, 0, &NestedTransactionNotSupportedError{}},
		{"supports joins existing", PropagationSupports, true, true, actionJoinExisting, nil},
		{"supports runs non-transactional", PropagationSupports, false, true, actionNonTransactional, nil},
		{"not_supported suspends existing", PropagationNotSupported, true, true, actionSuspendAndRunNonTransactional, nil},
		{"not_supported runs non-transactional", PropagationNotSupported, false, true, actionNonTransactional, nil},
		{"never rejects existing", PropagationNever, true, true, 0, &IllegalTransactionStateError{}},
		{"never runs non-transactional", PropagationNever, false, true, actionNonTransactional, nil},
		{"mandatory joins existing", PropagationMandatory, true, true, actionJoinExisting, nil},
		{"mandatory rejects missing", PropagationMandatory, false, true, 0, &IllegalTransactionStateError{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decide(tc.hasExisting, Definition{Propagation: tc.propagation}, tc.nestedAllowed)
			if tc.wantErrType != nil {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				if !errors.As(err, &tc.wantErrType) {
					t.Fatalf("expected error of type %T, got %T (%v)", tc.wantErrType, err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.wantAction {
				t.Errorf("action mismatch: want %v, got %v", tc.wantAction, got)
			}
		})
	}
}

func TestDecideUnknownPropagation(t *testing.T) {
	_, err := decide(false, Definition{Propagation: Propagation(99)}, true)
	if err == nil {
		t.Fatal("expected error for unknown propagation mode")
	}
	var illegalState *IllegalTransactionStateError
	if !errors.As(err, &illegalState) {
		t.Fatalf("expected IllegalTransactionStateError, got %T", err)
	}
}

func TestValidateJoin(t *testing.T) {
	t.Run("matching isolation passes", func(t *testing.T) {
		def := Definition{Isolation: IsolationReadCommitted, ReadOnly: false}
		if err := validateJoin(def, IsolationReadCommitted, false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("mismatched isolation rejected", func(t *testing.T) {
		def := Definition{Isolation: IsolationSerializable, ReadOnly: false}
		if err := validateJoin(def, IsolationReadCommitted, false); err == nil {
			t.Fatal("expected isolation mismatch error")
		}
	})

	t.Run("default isolation always joins", func(t *testing.T) {
		def := Definition{Isolation: IsolationDefault}
		if err := validateJoin(def, IsolationSerializable, false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("read-write into read-only outer rejected", func(t *testing.T) {
		def := Definition{ReadOnly: false}
		if err := validateJoin(def, IsolationDefault, true); err == nil {
			t.Fatal("expected read-only mismatch error")
		}
	})

	t.Run("read-only into read-write outer allowed", func(t *testing.T) {
		def := Definition{ReadOnly: true}
		if err := validateJoin(def, IsolationDefault, false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestPropagationString(t *testing.T) {
	cases := map[Propagation]string{
		PropagationRequired:    "REQUIRED",
		PropagationRequiresNew: "REQUIRES_NEW",
		PropagationNested:      "NESTED",
		PropagationSupports:    "SUPPORTS",
		PropagationNotSupported: "NOT_SUPPORTED",
		PropagationNever:       "NEVER",
		PropagationMandatory:   "MANDATORY",
		Propagation(99):        "UNKNOWN",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Propagation(%d).String() = %q, want %q", p, got, want)
		}
	}
}
