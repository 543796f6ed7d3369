package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Laisky/img-searcher/library/search"
)

type stubEngine struct {
	name string
}

func (s stubEngine) Name() string {
	return s.name
}

func (s stubEngine) Search(context.Context, *search.Request) (*search.Result, error) {
	return &search.Result{Engine: s.name}, nil
}

func TestFilterEngines(t *testing.T) {
	t.Parallel()

	engines := []search.Engine{
		stubEngine{name: "ascii2d"},
		stubEngine{name: "iqdb"},
		stubEngine{name: "yandex"},
	}

	t.Run("empty list enables everything", func(t *testing.T) {
		t.Parallel()
		require.Len(t, filterEngines(engines, nil), 3)
	})

	t.Run("subset keeps registration order", func(t *testing.T) {
		t.Parallel()
		kept := filterEngines(engines, []string{"yandex", "ascii2d"})
		require.Len(t, kept, 2)
		require.Equal(t, "ascii2d", kept[0].Name())
		require.Equal(t, "yandex", kept[1].Name())
	})

	t.Run("names are trimmed and lowercased", func(t *testing.T) {
		t.Parallel()
		kept := filterEngines(engines, []string{" IQDB "})
		require.Len(t, kept, 1)
		require.Equal(t, "iqdb", kept[0].Name())
	})

	t.Run("unknown names are skipped", func(t *testing.T) {
		t.Parallel()
		kept := filterEngines(engines, []string{"iqdb", "bing"})
		require.Len(t, kept, 1)
		require.Equal(t, "iqdb", kept[0].Name())
	})
}
