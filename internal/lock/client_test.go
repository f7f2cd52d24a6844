package lock

import (
	"context"
	"testing"
	"time"

	"aggregate-dispatcher/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// The key format is shared with the writer process; it has to match byte
// for byte.
func TestKeyFor(t *testing.T) {
	doc := models.DataDocument{
		ID:         primitive.NewObjectID(),
		Identifier: "rtr.chic__xe-0/0/0",
		Start:      0,
		End:        86400,
	}
	key := KeyFor("tsds", "data_60", doc)
	assert.Equal(t, "lock__tsds__data_60__rtr.chic__xe-0/0/0__0__86400", key)
}

func TestKeyForRawCollection(t *testing.T) {
	doc := models.DataDocument{Identifier: "x", Start: 100, End: 200}
	assert.Equal(t, "lock__db__data__x__100__200", KeyFor("db", "data", doc))
}

func TestExpired(t *testing.T) {
	l := Lock{Key: "k", Deadline: time.Now().Add(time.Minute)}
	assert.False(t, l.Expired())

	l.Deadline = time.Now().Add(-time.Second)
	assert.True(t, l.Expired())
}

func TestNewClientDefaultsRetries(t *testing.T) {
	c := NewClient(nil, 0)
	assert.Equal(t, 10, c.retries)

	c = NewClient(nil, 3)
	assert.Equal(t, 3, c.retries)
}

type recordingLocker struct {
	released []string
}

func (r *recordingLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	return &Lock{Key: key, Deadline: time.Now().Add(ttl)}, nil
}

func (r *recordingLocker) Release(ctx context.Context, l *Lock) error {
	r.released = append(r.released, l.Key)
	return nil
}

func TestReleaseAll(t *testing.T) {
	locker := &recordingLocker{}
	locks := []*Lock{{Key: "a"}, {Key: "b"}}

	remaining := ReleaseAll(context.Background(), locker, locks)
	require.Nil(t, remaining)
	assert.Equal(t, []string{"a", "b"}, locker.released)
}
