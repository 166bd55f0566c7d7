package account

import (
	"testing"
	"time"
)

func TestCreateParams_Validate(t *testing.T) {
	valid := CreateParams{
		ID:       "acc-1",
		UserID:   1,
		Name:     "Cash",
		Type:     TypeDepository,
		Currency: "USD",
	}

	tests := []struct {
		name    string
		mutate  func(p *CreateParams)
		wantErr error
	}{
		{name: "Valid", mutate: func(p *CreateParams) {}},
		{name: "Bad type", mutate: func(p *CreateParams) { p.Type = "BANK" }, wantErr: ErrInvalidType},
		{name: "Bad currency", mutate: func(p *CreateParams) { p.Currency = "usd" }, wantErr: ErrInvalidCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if err != tt.wantErr {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	blank := valid
	blank.Name = "   "
	if err := blank.Validate(); err == nil {
		t.Error("expected error for blank name")
	}
}

func TestNormalizeType(t *testing.T) {
	tests := map[string]Type{
		"depository":  TypeDepository,
		"Checking":    TypeDepository,
		"credit_card": TypeCredit,
		"credit":      TypeCredit,
		"mortgage":    TypeLoan,
		"brokerage":   TypeInvestment,
		"crypto":      TypeOther,
	}
	for in, want := range tests {
		if got := NormalizeType(in); got != want {
			t.Errorf("NormalizeType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SyncStatus
		want     bool
	}{
		{SyncPending, SyncSyncing, true},
		{SyncSuccess, SyncSyncing, true},
		{SyncFailed, SyncSyncing, true},
		{SyncSyncing, SyncSuccess, true},
		{SyncSyncing, SyncFailed, true},
		{SyncSyncing, SyncSyncing, false},
		{SyncPending, SyncSuccess, false},
		{SyncDisabled, SyncSyncing, false},
		{SyncSyncing, SyncDisabled, true},
		{SyncSuccess, SyncDisabled, true},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanBeginSync(t *testing.T) {
	for _, s := range []SyncStatus{SyncPending, SyncSuccess, SyncFailed} {
		if !s.CanBeginSync() {
			t.Errorf("%s.CanBeginSync() = false", s)
		}
	}
	for _, s := range []SyncStatus{SyncSyncing, SyncDisabled} {
		if s.CanBeginSync() {
			t.Errorf("%s.CanBeginSync() = true", s)
		}
	}
}

func TestSnapshotFresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * time.Minute)
	old := now.Add(-2 * time.Hour)

	tests := []struct {
		name string
		at   *time.Time
		want bool
	}{
		{"No snapshot", nil, false},
		{"Recent", &recent, true},
		{"Old", &old, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Account{SnapshotAt: tt.at}
			if got := a.SnapshotFresh(now, time.Hour); got != tt.want {
				t.Errorf("SnapshotFresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsLinked(t *testing.T) {
	enr, ext := "enr-1", "acc_ext"
	if (&Account{}).IsLinked() {
		t.Error("manual account reported as linked")
	}
	if !(&Account{EnrollmentID: &enr, ExternalID: &ext}).IsLinked() {
		t.Error("linked account reported as manual")
	}
}
