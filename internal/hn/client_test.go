package hn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/item/1.json":
			w.Write([]byte(`{"id":1,"type":"story","by":"pg","time":1000,"title":"Hello","score":5,"kids":[2,3]}`))
		case "/item/2.json":
			w.Write([]byte(`null`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))

	item, err := c.GetItem(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, int64(1), item.ID)
	assert.Equal(t, "Hello", item.Title)
	assert.Equal(t, []int64{2, 3}, item.Kids)

	gap, err := c.GetItem(context.Background(), 2)
	require.NoError(t, err)
	assert.Nil(t, gap)
}

func TestMaxItemID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`42`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	id, err := c.MaxItemID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestGetItemsFanOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/item/10.json":
			w.Write([]byte(`{"id":10,"type":"story"}`))
		case "/item/11.json":
			w.Write([]byte(`null`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	items, err := c.GetItems(context.Background(), []int64{10, 11})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.NotNil(t, items[0])
	assert.Nil(t, items[1])
}
