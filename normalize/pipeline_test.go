package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/maxpert/liveq/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore wraps a real cache so failures can be injected around it
type fakeStore struct {
	*cache.Store

	mu         sync.Mutex
	publishes  []cache.RecordSet
	publishErr error
	txnErr     error // returned instead of running fn
	commitErr  error // returned after fn succeeded
}

func (f *fakeStore) WithReadWriteTransaction(ctx context.Context, fn func(cache.Txn) error) error {
	if f.txnErr != nil {
		return f.txnErr
	}
	if err := f.Store.WithReadWriteTransaction(ctx, fn); err != nil {
		return err
	}
	return f.commitErr
}

func (f *fakeStore) Publish(records cache.RecordSet) error {
	f.mu.Lock()
	f.publishes = append(f.publishes, records)
	f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	return f.Store.Publish(records)
}

type call struct {
	result *Result
	txn    cache.Txn
	err    error
}

type recorder struct {
	calls []call
}

func (r *recorder) handle(result *Result, txn cache.Txn, err error) {
	r.calls = append(r.calls, call{result: result, txn: txn, err: err})
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeStore) {
	t.Helper()
	s, err := cache.Open(cache.Options{Path: t.TempDir(), MemoSize: 8, IDFields: []string{"id"}, ClientID: 1})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	store := &fakeStore{Store: s}
	return New(store, nil), store
}

func withFatal(t *testing.T) *[]error {
	t.Helper()
	var fatals []error
	prev := FatalFunc
	FatalFunc = func(err error, msg string) { fatals = append(fatals, err) }
	t.Cleanup(func() { FatalFunc = prev })
	return &fatals
}

const validPayload = `{"data":{"viewer":{"__typename":"User","id":"1","name":"ada","posts":[{"__typename":"Post","id":7,"title":"hi"}]}}}`

func TestProcess_ValidMessageDeliversOnceAndPublishesOnce(t *testing.T) {
	p, store := newTestPipeline(t)
	rec := &recorder{}

	var seen map[string]interface{}
	handler := func(result *Result, txn cache.Txn, err error) {
		rec.handle(result, txn, err)
		if result != nil && txn != nil {
			var derr error
			seen, derr = result.Denormalize(txn)
			assert.NoError(t, derr)
		}
	}

	outcome := p.Process(context.Background(), []byte(validPayload), handler)
	assert.Equal(t, OutcomeDelivered, outcome)

	require.Len(t, rec.calls, 1)
	c := rec.calls[0]
	require.NoError(t, c.err)
	require.NotNil(t, c.result)
	require.NotNil(t, c.txn)

	assert.Equal(t, map[string]interface{}{"__ref": "User:1"}, c.result.Data["viewer"])
	assert.Equal(t, []string{"Post:7", "User:1"}, c.result.Keys)

	viewer := seen["viewer"].(map[string]interface{})
	assert.Equal(t, "ada", viewer["name"])
	assert.Equal(t, "hi", viewer["posts"].([]interface{})[0].(map[string]interface{})["title"])

	require.Len(t, store.publishes, 1)
	assert.Equal(t, []string{"Post:7", "User:1"}, store.publishes[0].Keys())
	assert.NotZero(t, store.publishes[0]["User:1"].Version)

	cached, err := store.Get("User:1")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{map[string]interface{}{"__ref": "Post:7"}}, cached.Fields["posts"])
}

func TestProcess_MalformedPayloadsAreDropped(t *testing.T) {
	p, store := newTestPipeline(t)
	rec := &recorder{}

	payloads := [][]byte{
		{0xff, 0xfe, 0xfd},
		[]byte(`{"data": {`),
		[]byte(``),
	}
	for _, payload := range payloads {
		assert.Equal(t, OutcomeDecodeError, p.Process(context.Background(), payload, rec.handle))
	}
	assert.Empty(t, rec.calls)
	assert.Empty(t, store.publishes)

	// The next valid message is still delivered
	assert.Equal(t, OutcomeDelivered, p.Process(context.Background(), []byte(validPayload), rec.handle))
	assert.Len(t, rec.calls, 1)
}

func TestProcess_ParseErrorsReachHandler(t *testing.T) {
	payloads := map[string]string{
		"not an object":   `[1,2,3]`,
		"errors present":  `{"data":null,"errors":[{"message":"permission denied"}]}`,
		"errors not list": `{"data":{},"errors":"bad"}`,
		"missing data":    `{}`,
		"data not object": `{"data":"nope"}`,
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			p, store := newTestPipeline(t)
			rec := &recorder{}

			assert.Equal(t, OutcomeParseError, p.Process(context.Background(), []byte(payload), rec.handle))
			require.Len(t, rec.calls, 1)
			assert.Nil(t, rec.calls[0].result)
			assert.Nil(t, rec.calls[0].txn)
			assert.ErrorIs(t, rec.calls[0].err, ErrMessageParse)
			assert.Empty(t, store.publishes)
		})
	}
}

func TestProcess_ErrorMessagesSurface(t *testing.T) {
	p, _ := newTestPipeline(t)
	rec := &recorder{}

	p.Process(context.Background(), []byte(`{"errors":[{"message":"a"},{"message":"b"}]}`), rec.handle)
	require.Len(t, rec.calls, 1)
	assert.Contains(t, rec.calls[0].err.Error(), "a; b")
}

func TestProcess_EmptyErrorsListIsFine(t *testing.T) {
	p, _ := newTestPipeline(t)
	rec := &recorder{}

	outcome := p.Process(context.Background(), []byte(`{"data":{"count":3},"errors":[]}`), rec.handle)
	assert.Equal(t, OutcomeDelivered, outcome)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, json.Number("3"), rec.calls[0].result.Data["count"])
}

func TestProcess_LargeIntegerIdsStayDistinct(t *testing.T) {
	p, store := newTestPipeline(t)
	rec := &recorder{}

	payload := `{"data":{"posts":[
		{"__typename":"Post","id":9007199254740992,"title":"a"},
		{"__typename":"Post","id":9007199254740993,"title":"b"}]}}`

	assert.Equal(t, OutcomeDelivered, p.Process(context.Background(), []byte(payload), rec.handle))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, []string{"Post:9007199254740992", "Post:9007199254740993"}, rec.calls[0].result.Keys)

	require.Len(t, store.publishes, 1)
	assert.Len(t, store.publishes[0], 2)

	second, err := store.Get("Post:9007199254740993")
	require.NoError(t, err)
	assert.Equal(t, "b", second.Fields["title"])
	assert.Equal(t, json.Number("9007199254740993"), second.Fields["id"])
}

func TestProcess_TrailingDataIsDropped(t *testing.T) {
	p, store := newTestPipeline(t)
	rec := &recorder{}

	for _, payload := range []string{
		validPayload + `{}`,
		validPayload + ` x`,
		`{"data":{}}]`,
	} {
		assert.Equal(t, OutcomeDecodeError, p.Process(context.Background(), []byte(payload), rec.handle), payload)
	}
	assert.Empty(t, rec.calls)
	assert.Empty(t, store.publishes)

	assert.Equal(t, OutcomeDelivered, p.Process(context.Background(), []byte(validPayload+"\n"), rec.handle))
}

func TestProcess_CacheApplyFailure(t *testing.T) {
	p, store := newTestPipeline(t)
	store.txnErr = errors.New("disk full")
	fatals := withFatal(t)
	rec := &recorder{}

	assert.Equal(t, OutcomeCacheError, p.Process(context.Background(), []byte(validPayload), rec.handle))
	require.Len(t, rec.calls, 1)
	assert.Nil(t, rec.calls[0].result)
	assert.ErrorIs(t, rec.calls[0].err, ErrCacheApply)
	assert.Empty(t, store.publishes)
	assert.Empty(t, *fatals)
}

func TestProcess_CommitFailureAfterDeliveryIsFatal(t *testing.T) {
	p, store := newTestPipeline(t)
	store.commitErr = errors.New("fsync failed")
	fatals := withFatal(t)
	rec := &recorder{}

	assert.Equal(t, OutcomeCacheError, p.Process(context.Background(), []byte(validPayload), rec.handle))
	require.Len(t, rec.calls, 1, "the handler never sees both a result and an error")
	assert.NoError(t, rec.calls[0].err)
	require.Len(t, *fatals, 1)
	assert.Empty(t, store.publishes)
}

func TestProcess_PublishFailureIsFatal(t *testing.T) {
	p, store := newTestPipeline(t)
	store.publishErr = errors.New("observers gone")
	fatals := withFatal(t)
	rec := &recorder{}

	assert.Equal(t, OutcomeDelivered, p.Process(context.Background(), []byte(validPayload), rec.handle))
	require.Len(t, rec.calls, 1)
	require.Len(t, *fatals, 1)
	assert.ErrorIs(t, (*fatals)[0], store.publishErr)
}

func TestProcess_HandlerWritesCommitWithRecords(t *testing.T) {
	p, store := newTestPipeline(t)

	p.Process(context.Background(), []byte(validPayload), func(result *Result, txn cache.Txn, err error) {
		require.NoError(t, err)
		note := cache.NewRecord("Note:viewer")
		note.Fields["seen"] = true
		require.NoError(t, txn.Put(note))
	})

	note, err := store.Get("Note:viewer")
	require.NoError(t, err)
	assert.Equal(t, true, note.Fields["seen"])

	user, err := store.Get("User:1")
	require.NoError(t, err)
	assert.Equal(t, note.Version, user.Version, "one transaction, one version")
}

func TestResult_Decode(t *testing.T) {
	r := &Result{Data: map[string]interface{}{"count": float64(2), "label": "x"}}

	var out struct {
		Count int    `json:"count"`
		Label string `json:"label"`
	}
	require.NoError(t, r.Decode(&out))
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, "x", out.Label)
}
