package pir

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/tuneinsight/lattigo/v5/utils/sampling"

	"github.com/0xWOLAND/tiptoe/pkg/lwe"
	"github.com/0xWOLAND/tiptoe/pkg/matrix"
)

func keyedPRNG(t *testing.T, key string) sampling.PRNG {
	t.Helper()
	prng, err := sampling.NewKeyedPRNG([]byte(key))
	if err != nil {
		t.Fatalf("NewKeyedPRNG failed: %v", err)
	}
	return prng
}

// toyRecords is a 4-record, 4-coordinate dataset with plaintext modulus 16.
var toyRecords = [][]uint64{
	{1, 2, 3, 4},
	{5, 6, 7, 0},
	{9, 10, 11, 12},
	{13, 3, 8, 2},
}

func toyParams() *lwe.Params {
	p := lwe.NewParamsFixedP(4, 16)
	p.N = 64
	return p
}

func toySetup(t *testing.T) (*Server, *Client) {
	t.Helper()
	db, err := NewDatabase(toyParams(), toyRecords)
	if err != nil {
		t.Fatalf("NewDatabase failed: %v", err)
	}
	seed := DeriveSeed([]byte("toy-master"), "toy")
	srv, err := NewServer(db, seed)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	cl, err := NewClient(db.Params, seed, srv.Hint(), srv.Epoch(), db.NumRecords(), keyedPRNG(t, "toy-client"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return srv, cl
}

func fetch(t *testing.T, srv *Server, cl *Client, index uint64) []uint64 {
	t.Helper()
	sec, query, err := cl.Query(index)
	if err != nil {
		t.Fatalf("Query(%d) failed: %v", index, err)
	}
	answer, epoch, err := srv.Answer(query)
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	record, err := cl.Recover(sec, answer, epoch)
	if err != nil {
		t.Fatalf("Recover(%d) failed: %v", index, err)
	}
	return record
}

func recordsEqual(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestToyRoundTrip(t *testing.T) {
	srv, cl := toySetup(t)

	got := fetch(t, srv, cl, 2)
	if !recordsEqual(got, toyRecords[2]) {
		t.Errorf("record 2 = %v, want %v", got, toyRecords[2])
	}
}

func TestToyRoundTripAllIndices(t *testing.T) {
	srv, cl := toySetup(t)

	for i := range toyRecords {
		got := fetch(t, srv, cl, uint64(i))
		if !recordsEqual(got, toyRecords[i]) {
			t.Errorf("record %d = %v, want %v", i, got, toyRecords[i])
		}
	}
}

func TestRandomRoundTrip(t *testing.T) {
	params := lwe.NewParamsFixedP(12, 512)
	params.N = 128

	rng := rand.New(rand.NewSource(99))
	records := make([][]uint64, 12)
	for i := range records {
		rec := make([]uint64, 8)
		for j := range rec {
			rec[j] = rng.Uint64() % params.P
		}
		records[i] = rec
	}

	db, err := NewDatabase(params, records)
	if err != nil {
		t.Fatalf("NewDatabase failed: %v", err)
	}
	seed := DeriveSeed([]byte("random-master"), "random")
	srv, err := NewServer(db, seed)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	cl, err := NewClient(params, seed, srv.Hint(), srv.Epoch(), db.NumRecords(), keyedPRNG(t, "random-client"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	for i := range records {
		got := fetch(t, srv, cl, uint64(i))
		if !recordsEqual(got, records[i]) {
			t.Errorf("record %d = %v, want %v", i, got, records[i])
		}
	}
}

func TestSecretFreshness(t *testing.T) {
	_, cl := toySetup(t)

	sec1, query1, err := cl.Query(1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	sec2, query2, err := cl.Query(1)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if sec1.Equal(sec2) {
		t.Errorf("two queries for the same index reused a secret")
	}
	if query1.Equal(query2) {
		t.Errorf("two queries for the same index produced identical ciphertexts")
	}
}

func TestQueryIndexOutOfRange(t *testing.T) {
	_, cl := toySetup(t)

	if _, _, err := cl.Query(uint64(len(toyRecords))); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Query(out of range) error = %v, want ErrIndexOutOfRange", err)
	}
}

func TestAnswerDimensionMismatch(t *testing.T) {
	srv, _ := toySetup(t)

	if _, _, err := srv.Answer(matrix.NewVec(3)); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("short query error = %v, want ErrDimensionMismatch", err)
	}
	if _, _, err := srv.Answer(matrix.New(4, 2)); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("non-vector query error = %v, want ErrDimensionMismatch", err)
	}
}

func TestRecoverDimensionMismatch(t *testing.T) {
	srv, cl := toySetup(t)

	sec, query, err := cl.Query(0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	_, epoch, err := srv.Answer(query)
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	if _, err := cl.Recover(sec, matrix.NewVec(7), epoch); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("short answer error = %v, want ErrDimensionMismatch", err)
	}
}

func TestRecoverRejectsCorruptAnswer(t *testing.T) {
	srv, cl := toySetup(t)

	sec, query, err := cl.Query(2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	answer, epoch, err := srv.Answer(query)
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	// Push one coordinate far past the noise ceiling but well inside
	// Delta/2, so rounding still lands on the same plaintext and only the
	// residual check can catch the corruption.
	answer.AddAt(1<<20, 0, 0)
	if _, err := cl.Recover(sec, answer, epoch); !errors.Is(err, ErrDecodeFailure) {
		t.Errorf("corrupt answer error = %v, want ErrDecodeFailure", err)
	}
}

func TestRefreshBumpsEpoch(t *testing.T) {
	srv, _ := toySetup(t)
	before := srv.Epoch()

	db2, err := NewDatabase(toyParams(), [][]uint64{
		{2, 3, 4, 5},
		{6, 7, 0, 1},
		{10, 11, 12, 13},
		{3, 8, 2, 9},
	})
	if err != nil {
		t.Fatalf("NewDatabase failed: %v", err)
	}
	after, err := srv.Refresh(db2)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if after.ID != before.ID+1 {
		t.Errorf("epoch id %d after refresh, want %d", after.ID, before.ID+1)
	}
	if after.Digest == before.Digest {
		t.Errorf("digest unchanged across a data refresh")
	}
}

func TestStaleHintRejectedAfterRefresh(t *testing.T) {
	srv, cl := toySetup(t)

	sec, query, err := cl.Query(2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	db2, err := NewDatabase(toyParams(), [][]uint64{
		{0, 0, 0, 0},
		{1, 1, 1, 1},
		{2, 2, 2, 2},
		{3, 3, 3, 3},
	})
	if err != nil {
		t.Fatalf("NewDatabase failed: %v", err)
	}
	if _, err := srv.Refresh(db2); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	answer, epoch, err := srv.Answer(query)
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if _, err := cl.Recover(sec, answer, epoch); !errors.Is(err, ErrEpochStale) {
		t.Errorf("post-refresh decode error = %v, want ErrEpochStale", err)
	}
}

func TestExpandADeterministic(t *testing.T) {
	seed := DeriveSeed([]byte("master"), "db")

	a1, err := ExpandA(seed, 16, 8)
	if err != nil {
		t.Fatalf("ExpandA failed: %v", err)
	}
	a2, err := ExpandA(seed, 16, 8)
	if err != nil {
		t.Fatalf("ExpandA failed: %v", err)
	}
	if !a1.Equal(a2) {
		t.Errorf("same seed expanded to different matrices")
	}

	other, err := ExpandA(DeriveSeed([]byte("master"), "other"), 16, 8)
	if err != nil {
		t.Fatalf("ExpandA failed: %v", err)
	}
	if a1.Equal(other) {
		t.Errorf("different seeds expanded to identical matrices")
	}
}

func TestDeriveSeedIsLabelSeparated(t *testing.T) {
	master := []byte("master")
	if bytes.Equal(DeriveSeed(master, "a"), DeriveSeed(master, "b")) {
		t.Errorf("distinct labels derived identical seeds")
	}
	if !bytes.Equal(DeriveSeed(master, "a"), DeriveSeed(master, "a")) {
		t.Errorf("same label derived different seeds")
	}
}

func TestNewDatabaseValidation(t *testing.T) {
	params := toyParams()

	if _, err := NewDatabase(params, nil); err == nil {
		t.Errorf("empty database accepted")
	}
	if _, err := NewDatabase(params, [][]uint64{{1, 2}, {3}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("ragged records error = %v, want ErrDimensionMismatch", err)
	}
	if _, err := NewDatabase(params, [][]uint64{{16, 0, 0, 0}}); err == nil {
		t.Errorf("entry outside [0, P) accepted")
	}
	if _, err := NewDatabase(params, [][]uint64{{1}, {2}, {3}, {4}, {5}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("record count over parameter budget error = %v, want ErrDimensionMismatch", err)
	}
}

func TestHintMatchesDefinition(t *testing.T) {
	srv, _ := toySetup(t)

	db := srv.Database()
	a, err := ExpandA(srv.Seed(), db.NumRecords(), db.Params.N)
	if err != nil {
		t.Fatalf("ExpandA failed: %v", err)
	}
	if !srv.Hint().Equal(matrix.Mul(db.Data, a)) {
		t.Errorf("hint is not D*A")
	}
}

func TestDatabaseStoresCenteredEntries(t *testing.T) {
	params := lwe.NewParamsFixedP(1, 16)
	params.N = 64
	db, err := NewDatabase(params, [][]uint64{{0, 8, 15}})
	if err != nil {
		t.Fatalf("NewDatabase failed: %v", err)
	}

	// Entries are stored as v - P/2 mod Q so their magnitude never exceeds
	// P/2; the noise ceiling's P/2 factor depends on it.
	want := []uint64{1<<32 - 8, 0, 7}
	for i, w := range want {
		if got := db.Data.Get(uint64(i), 0); got != w {
			t.Errorf("stored entry %d = %d, want %d", i, got, w)
		}
	}

	if got := db.Record(0); !recordsEqual(got, []uint64{0, 8, 15}) {
		t.Errorf("Record(0) = %v, want [0 8 15]", got)
	}
}

func TestSnapshotConsistentAcrossRefresh(t *testing.T) {
	srv, _ := toySetup(t)

	db1, hint1, epoch1 := srv.Snapshot()
	if epoch1 != srv.Epoch() {
		t.Fatalf("snapshot epoch %v, accessor reports %v", epoch1, srv.Epoch())
	}

	db2, err := NewDatabase(toyParams(), [][]uint64{
		{2, 3, 4, 5},
		{6, 7, 0, 1},
		{10, 11, 12, 13},
		{3, 8, 2, 9},
	})
	if err != nil {
		t.Fatalf("NewDatabase failed: %v", err)
	}
	if _, err := srv.Refresh(db2); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// The pre-refresh snapshot stays internally consistent.
	a, err := ExpandA(srv.Seed(), db1.NumRecords(), db1.Params.N)
	if err != nil {
		t.Fatalf("ExpandA failed: %v", err)
	}
	if !hint1.Equal(matrix.Mul(db1.Data, a)) {
		t.Errorf("old snapshot's hint is not its database's D*A")
	}

	// And a fresh snapshot carries the new triple together.
	dbNow, hintNow, epochNow := srv.Snapshot()
	if epochNow.ID != epoch1.ID+1 {
		t.Errorf("epoch id %d after refresh, want %d", epochNow.ID, epoch1.ID+1)
	}
	if dbNow == db1 {
		t.Errorf("snapshot database not replaced by refresh")
	}
	if !hintNow.Equal(matrix.Mul(dbNow.Data, a)) {
		t.Errorf("new snapshot's hint is not its database's D*A")
	}
}
