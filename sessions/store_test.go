package sessions

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	s := NewStore()
	created := s.Create("mars-pro")
	require.NotEmpty(t, created.ID)

	got, err := s.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "mars-pro", got.VoiceModel)
	assert.False(t, got.Live())
	assert.Equal(t, 1, s.Count())

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetOrCreate(t *testing.T) {
	s := NewStore()
	a := s.GetOrCreate("")
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, a.ID, s.GetOrCreate(a.ID).ID)

	b := s.GetOrCreate("client-chosen")
	assert.NotEqual(t, "client-chosen", b.ID)
	assert.NotEqual(t, a.ID, b.ID)
	_, err := s.Get("client-chosen")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 2, s.Count())
}

func TestReadsReturnCopies(t *testing.T) {
	s := NewStore()
	sess := s.Create("")
	_, err := s.AttachDocument(sess.ID, DocumentRef{Title: "book.pdf"})
	require.NoError(t, err)

	got, _ := s.Get(sess.ID)
	got.Document.Title = "mutated"
	again, _ := s.Get(sess.ID)
	assert.Equal(t, "book.pdf", again.Document.Title)
}

func TestDocumentLifecycle(t *testing.T) {
	s := NewStore()
	sess := s.Create("")

	prev, err := s.AttachDocument(sess.ID, DocumentRef{Name: "files/a", Title: "a.pdf"})
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = s.AttachDocument(sess.ID, DocumentRef{Name: "files/b", Title: "b.txt"})
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "files/a", prev.Name)

	prev, err = s.ClearDocument(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "files/b", prev.Name)

	prev, err = s.ClearDocument(sess.ID)
	require.NoError(t, err)
	assert.Nil(t, prev)

	_, err = s.ClearDocument("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDocumentsReplacedDuringCallAreRetired(t *testing.T) {
	s := NewStore()
	sess := s.Create("")
	_, err := s.AttachDocument(sess.ID, DocumentRef{Name: "files/a"})
	require.NoError(t, err)
	require.NoError(t, s.BindCall(sess.ID, "c1"))

	prev, err := s.AttachDocument(sess.ID, DocumentRef{Name: "files/b"})
	require.NoError(t, err)
	assert.Nil(t, prev)
	prev, err = s.ClearDocument(sess.ID)
	require.NoError(t, err)
	assert.Nil(t, prev)

	got, _ := s.Get(sess.ID)
	assert.Nil(t, got.Document)
	require.Len(t, got.Retired, 2)

	assert.Nil(t, s.ReleaseCall(sess.ID, "other"))
	retired := s.ReleaseCall(sess.ID, "c1")
	assert.Equal(t, []DocumentRef{{Name: "files/a"}, {Name: "files/b"}}, retired)
	assert.Nil(t, s.ReleaseCall(sess.ID, "c1"))

	// Without a live call the replaced document goes straight back.
	_, err = s.AttachDocument(sess.ID, DocumentRef{Name: "files/c"})
	require.NoError(t, err)
	prev, err = s.ClearDocument(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "files/c", prev.Name)
}

func TestAtMostOneLiveCall(t *testing.T) {
	s := NewStore()
	sess := s.Create("")

	require.NoError(t, s.BindCall(sess.ID, "c1"))
	require.NoError(t, s.BindCall(sess.ID, "c1"))
	assert.ErrorIs(t, s.BindCall(sess.ID, "c2"), ErrCallInProgress)

	// A stale release from another connection leaves the binding alone.
	s.ReleaseCall(sess.ID, "c2")
	got, _ := s.Get(sess.ID)
	assert.Equal(t, "c1", got.ActiveConnection)

	s.ReleaseCall(sess.ID, "c1")
	require.NoError(t, s.BindCall(sess.ID, "c2"))
}

func TestConcurrentBindAdmitsOne(t *testing.T) {
	s := NewStore()
	sess := s.Create("")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.BindCall(sess.ID, string(rune('a'+i))) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDelete(t *testing.T) {
	s := NewStore()
	sess := s.Create("")
	_, err := s.Delete(sess.ID)
	require.NoError(t, err)
	_, err = s.Delete(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, s.Count())
	assert.ErrorIs(t, s.SetVoiceModel(sess.ID, "x"), ErrSessionNotFound)
}
