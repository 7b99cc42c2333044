package meta

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raimguzhinov/davstore/internal/errs"
	"github.com/Raimguzhinov/davstore/internal/item"
	"github.com/Raimguzhinov/davstore/internal/storage"
	"github.com/Raimguzhinov/davstore/internal/storage/memory"
	"github.com/Raimguzhinov/davstore/internal/validator"
)

func newMeta(t *testing.T) (*Store, *memory.Store) {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.MakeDirs(context.Background(), "alice/cal"))
	return New(s, "alice/cal", validator.New()), s
}

func TestGetMissingIsEmpty(t *testing.T) {
	m, _ := newMeta(t)
	props, err := m.Get(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestSetWritesSortedJSON(t *testing.T) {
	ctx := context.Background()
	m, s := newMeta(t)

	require.NoError(t, m.Set(ctx, map[string]string{"tag": "VCALENDAR", "D:displayname": "Work"}))

	data, err := s.Read(ctx, "alice/cal/.Radicale.props")
	require.NoError(t, err)
	assert.Equal(t, `{"D:displayname":"Work","tag":"VCALENDAR"}`, string(data))

	tag, err := m.Tag(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, item.TagCalendar, tag)
}

func TestSetRejectsUnknownTag(t *testing.T) {
	m, _ := newMeta(t)
	err := m.Set(context.Background(), map[string]string{"tag": "VTODO"})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestGetReusesCopyUnlessWriteLocked(t *testing.T) {
	ctx := context.Background()
	m, s := newMeta(t)
	require.NoError(t, m.Set(ctx, map[string]string{"tag": "VCALENDAR"}))

	require.NoError(t, storage.WriteFile(ctx, s, "alice/cal/.Radicale.props", []byte(`{"tag":"VADDRESSBOOK"}`)))

	tag, err := m.Tag(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, item.TagCalendar, tag)

	tag, err = m.Tag(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, item.TagAddressBook, tag)
}

func TestGetReportsDamagedProps(t *testing.T) {
	ctx := context.Background()
	for _, raw := range []string{"{", `{"tag":"VJOURNAL"}`} {
		m, s := newMeta(t)
		require.NoError(t, storage.WriteFile(ctx, s, "alice/cal/.Radicale.props", []byte(raw)))
		_, err := m.Get(ctx, false)
		assert.Equal(t, errs.KindStorageCorruption, errs.KindOf(err), raw)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m, _ := newMeta(t)
	props, err := m.Get(ctx, false)
	require.NoError(t, err)
	props["tag"] = "VCALENDAR"

	again, err := m.Get(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, again)
}
