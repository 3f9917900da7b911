package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetSession(t *testing.T) {
	s := newTestStore(t)

	sess := &Session{
		AccessToken:  "oat-abc",
		RefreshToken: "ort-def",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Millisecond),
		UserIndex:    42,
		UserID:       "user-1",
	}

	if err := s.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession()
	if err != nil {
		t.Fatal(err)
	}

	if got.AccessToken != sess.AccessToken {
		t.Errorf("access token = %q, want %q", got.AccessToken, sess.AccessToken)
	}
	if got.RefreshToken != sess.RefreshToken {
		t.Errorf("refresh token = %q, want %q", got.RefreshToken, sess.RefreshToken)
	}
	if !got.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Errorf("expires = %v, want %v", got.ExpiresAt, sess.ExpiresAt)
	}
	if got.UserIndex != 42 {
		t.Errorf("user index = %d, want 42", got.UserIndex)
	}
	if got.UserID != "user-1" {
		t.Errorf("user id = %q, want %q", got.UserID, "user-1")
	}
}

func TestSaveSessionOverwrites(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveSession(&Session{AccessToken: "first", ExpiresAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(&Session{AccessToken: "second", ExpiresAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "second" {
		t.Errorf("access token = %q, want %q", got.AccessToken, "second")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetSessionCorruptRecord(t *testing.T) {
	s := newTestStore(t)

	// Write garbage directly into the bucket.
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put(keySession, []byte("{not json"))
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.GetSession()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for corrupt record", err)
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveSession(&Session{AccessToken: "tok", ExpiresAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSession(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestSessionValid(t *testing.T) {
	buffer := 5 * time.Minute

	cases := []struct {
		name string
		sess *Session
		want bool
	}{
		{"nil", nil, false},
		{"no token", &Session{ExpiresAt: time.Now().Add(time.Hour)}, false},
		{"fresh", &Session{AccessToken: "t", ExpiresAt: time.Now().Add(time.Hour)}, true},
		{"inside buffer", &Session{AccessToken: "t", ExpiresAt: time.Now().Add(time.Minute)}, false},
		{"expired", &Session{AccessToken: "t", ExpiresAt: time.Now().Add(-time.Minute)}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sess.Valid(buffer); got != tc.want {
				t.Errorf("Valid = %v, want %v", got, tc.want)
			}
		})
	}
}
