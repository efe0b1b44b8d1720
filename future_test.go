package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncAwait(t *testing.T) {
	l := LoaderFunc(func(ctx context.Context, id string, params Params) (*Response, error) {
		return &Response{StatusCode: 200, Body: []byte(id)}, nil
	})

	a := Async(context.Background(), l, "a", nil)
	b := Async(context.Background(), l, "b", nil)

	resps, errs := AwaitAll(context.Background(), a, b)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, "a", string(resps[0].Body))
	assert.Equal(t, "b", string(resps[1].Body))

	select {
	case <-a.Done():
	default:
		t.Fatal("Done must be closed after Await returned")
	}
}

func TestAwaitPropagatesLoaderError(t *testing.T) {
	l := LoaderFunc(func(ctx context.Context, id string, params Params) (*Response, error) {
		return nil, &LoaderError{Kind: KindNotFound}
	})

	_, err := Async(context.Background(), l, "x", nil).Await(context.Background())
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestAwaitContextEnds(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	l := LoaderFunc(func(ctx context.Context, id string, params Params) (*Response, error) {
		<-release
		return &Response{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Async(context.Background(), l, "x", nil).Await(ctx)
	assert.Equal(t, KindTimeout, KindOf(err))
}
