package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu   sync.Mutex
	subs []domain.Subscription
}

func (n *recordingNotifier) NotifySubscriptionEnded(ctx context.Context, sub domain.Subscription) {
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func newTestRegistry(t *testing.T) (*ConnectionRegistry, *recordingNotifier, *PresenceRepository) {
	t.Helper()
	presence := NewPresenceRepository()
	r := NewConnectionRegistry(presence, nil, zap.NewNop().Sugar())
	n := &recordingNotifier{}
	r.SetNotifier(n)
	return r, n, presence
}

func publishingAgent(id string) *domain.Agent {
	return &domain.Agent{
		ID:           domain.AgentID(id),
		Handle:       domain.ConnectionHandle("conn_" + id),
		Capabilities: domain.Capabilities{Screen: true, Audio: true},
		Tier:         domain.TierMedium,
	}
}

func viewer(id string) *domain.Viewer {
	return &domain.Viewer{ID: domain.ViewerID(id), Handle: domain.ConnectionHandle("conn_" + id)}
}

func addTrack(t *testing.T, r *ConnectionRegistry, agentID domain.AgentID, kind domain.TrackKind) domain.TrackID {
	t.Helper()
	id := domain.NewTrackID(agentID, kind)
	require.NoError(t, r.AddTrack(context.Background(), &domain.Track{ID: id, Kind: kind, OwnerAgentID: agentID}))
	return id
}

func TestConnectionRegistry_CascadeOnUnregister(t *testing.T) {
	ctx := context.Background()
	r, notifier, presence := newTestRegistry(t)

	require.NoError(t, r.RegisterAgent(ctx, publishingAgent("a1")))
	screen := addTrack(t, r, "a1", domain.TrackKindScreen)
	audio := addTrack(t, r, "a1", domain.TrackKindAudio)

	for _, id := range []string{"v1", "v2"} {
		require.NoError(t, r.RegisterViewer(ctx, viewer(id)))
		require.NoError(t, r.Subscribe(domain.ViewerID(id), "a1"))
		require.NoError(t, r.BindTrack(domain.ViewerID(id), domain.TrackKindScreen, screen))
		require.NoError(t, r.BindTrack(domain.ViewerID(id), domain.TrackKindAudio, audio))
	}
	assert.Len(t, r.ViewersOf("a1"), 2)

	subs, err := r.UnregisterAgent(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, domain.ViewerID("v1"), subs[0].ViewerID)
	assert.Equal(t, domain.ViewerID("v2"), subs[1].ViewerID)
	assert.Equal(t, 2, notifier.count())

	for _, id := range []domain.ViewerID{"v1", "v2"} {
		v, err := r.Viewer(id)
		require.NoError(t, err, "viewer stays connected")
		assert.Empty(t, v.SubscribedAgentID)
		assert.Empty(t, v.TrackSubscriptions)
	}
	_, err = r.Track(screen)
	assert.ErrorIs(t, err, domain.ErrTrackNotFound)
	assert.Empty(t, r.TracksOf("a1"))

	online, err := presence.IsOnline(ctx, domain.RoleAgent, "a1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestConnectionRegistry_UnregisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, notifier, _ := newTestRegistry(t)

	require.NoError(t, r.RegisterAgent(ctx, publishingAgent("a1")))
	require.NoError(t, r.RegisterViewer(ctx, viewer("v1")))
	require.NoError(t, r.Subscribe("v1", "a1"))

	first, err := r.UnregisterAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := r.UnregisterAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 1, notifier.count())

	require.NoError(t, r.UnregisterViewer(ctx, "v1"))
	require.NoError(t, r.UnregisterViewer(ctx, "v1"))
}

func TestConnectionRegistry_StaleReferenceIsPrunedLazily(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	require.NoError(t, r.RegisterAgent(ctx, publishingAgent("a1")))
	screen := addTrack(t, r, "a1", domain.TrackKindScreen)
	require.NoError(t, r.RegisterViewer(ctx, viewer("v1")))
	require.NoError(t, r.Subscribe("v1", "a1"))
	require.NoError(t, r.BindTrack("v1", domain.TrackKindScreen, screen))

	track, err := r.ResolveSubscription("v1", domain.TrackKindScreen)
	require.NoError(t, err)
	assert.Equal(t, screen, track.ID)

	require.NoError(t, r.RemoveTrack(ctx, screen))

	v, err := r.Viewer("v1")
	require.NoError(t, err)
	assert.Contains(t, v.TrackSubscriptions, domain.TrackKindScreen, "not pruned until accessed")

	_, err = r.ResolveSubscription("v1", domain.TrackKindScreen)
	assert.ErrorIs(t, err, domain.ErrStaleReference)

	v, err = r.Viewer("v1")
	require.NoError(t, err)
	assert.NotContains(t, v.TrackSubscriptions, domain.TrackKindScreen)

	_, err = r.ResolveSubscription("v1", domain.TrackKindScreen)
	assert.ErrorIs(t, err, domain.ErrTrackNotFound)
}

func TestConnectionRegistry_HandleLookup(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	require.NoError(t, r.RegisterAgent(ctx, publishingAgent("a1")))
	require.NoError(t, r.RegisterViewer(ctx, viewer("v1")))

	a, ok := r.FindAgentByConnectionHandle("conn_a1")
	require.True(t, ok)
	assert.Equal(t, domain.AgentID("a1"), a.ID)

	_, ok = r.FindAgentByConnectionHandle("conn_v1")
	assert.False(t, ok, "viewer handle is not an agent")

	v, ok := r.FindViewerByConnectionHandle("conn_v1")
	require.True(t, ok)
	assert.Equal(t, domain.ViewerID("v1"), v.ID)

	_, err := r.UnregisterAgent(ctx, "a1")
	require.NoError(t, err)
	_, ok = r.FindAgentByConnectionHandle("conn_a1")
	assert.False(t, ok)
}

func TestConnectionRegistry_Registration(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	require.NoError(t, r.RegisterAgent(ctx, publishingAgent("a1")))
	screen := addTrack(t, r, "a1", domain.TrackKindScreen)

	// Same handle re-registering keeps the tracks.
	require.NoError(t, r.RegisterAgent(ctx, publishingAgent("a1")))
	a, err := r.Agent("a1")
	require.NoError(t, err)
	assert.Contains(t, a.PublishedTracks, screen)

	other := publishingAgent("a1")
	other.Handle = "conn_other"
	assert.ErrorIs(t, r.RegisterAgent(ctx, other), domain.ErrAgentExists)

	require.NoError(t, r.RegisterViewer(ctx, viewer("v1")))
	assert.ErrorIs(t, r.RegisterViewer(ctx, viewer("v1")), domain.ErrViewerExists)

	assert.ErrorIs(t, r.RegisterAgent(ctx, &domain.Agent{}), domain.ErrInvalidEvent)

	err = r.AddTrack(ctx, &domain.Track{ID: domain.NewTrackID("a1", domain.TrackKindCamera), Kind: domain.TrackKindCamera, OwnerAgentID: "a1"})
	assert.ErrorIs(t, err, domain.ErrCapabilityDenied)

	err = r.AddTrack(ctx, &domain.Track{ID: "ghost:screen", Kind: domain.TrackKindScreen, OwnerAgentID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	assert.ErrorIs(t, r.Subscribe("v1", "ghost"), domain.ErrAgentNotFound)
	assert.ErrorIs(t, r.Subscribe("nobody", "a1"), domain.ErrViewerNotFound)
}

func TestConnectionRegistry_ResubscribeMovesFollower(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	require.NoError(t, r.RegisterAgent(ctx, publishingAgent("a1")))
	require.NoError(t, r.RegisterAgent(ctx, publishingAgent("a2")))
	require.NoError(t, r.RegisterViewer(ctx, viewer("v1")))

	require.NoError(t, r.Subscribe("v1", "a1"))
	require.NoError(t, r.Subscribe("v1", "a2"))
	assert.Empty(t, r.ViewersOf("a1"))
	assert.Len(t, r.ViewersOf("a2"), 1)

	a1Screen := addTrack(t, r, "a1", domain.TrackKindScreen)
	err := r.BindTrack("v1", domain.TrackKindScreen, a1Screen)
	assert.ErrorIs(t, err, domain.ErrStaleReference)

	require.NoError(t, r.Unsubscribe("v1"))
	assert.Empty(t, r.ViewersOf("a2"))
}

func TestConnectionRegistry_SetTierUpdatesVideoTracks(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	require.NoError(t, r.RegisterAgent(ctx, publishingAgent("a1")))
	screen := addTrack(t, r, "a1", domain.TrackKindScreen)
	audio := addTrack(t, r, "a1", domain.TrackKindAudio)

	require.NoError(t, r.SetTier("a1", domain.TierLow))

	a, err := r.Agent("a1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierLow, a.Tier)

	st, err := r.Track(screen)
	require.NoError(t, err)
	assert.Equal(t, domain.TierLow, st.QualityTier)

	at, err := r.Track(audio)
	require.NoError(t, err)
	assert.Equal(t, domain.TierMedium, at.QualityTier)

	assert.ErrorIs(t, r.SetTier("ghost", domain.TierLow), domain.ErrAgentNotFound)
}

func TestConnectionRegistry_SweepStale(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	utils.Now = func() time.Time { return clock }
	t.Cleanup(func() { utils.Now = time.Now })

	require.NoError(t, r.RegisterAgent(ctx, publishingAgent("a1")))
	require.NoError(t, r.RegisterViewer(ctx, viewer("v1")))

	clock = base.Add(20 * time.Second)
	r.Touch(ctx, "conn_v1")

	clock = base.Add(40 * time.Second)
	stale := r.SweepStale(30 * time.Second)
	assert.Equal(t, []domain.ConnectionHandle{"conn_a1"}, stale)

	clock = base.Add(60 * time.Second)
	stale = r.SweepStale(30 * time.Second)
	assert.Equal(t, []domain.ConnectionHandle{"conn_a1", "conn_v1"}, stale)

	r.Touch(ctx, "conn_unknown")
}

func TestConnectionRegistry_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.RegisterAgent(ctx, publishingAgent("a1")))
	screen := addTrack(t, r, "a1", domain.TrackKindScreen)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := domain.ViewerID(utils.NewViewerID())
			if err := r.RegisterViewer(ctx, &domain.Viewer{ID: id, Handle: domain.ConnectionHandle(id)}); err != nil {
				t.Error(err)
				return
			}
			_ = r.Subscribe(id, "a1")
			_ = r.BindTrack(id, domain.TrackKindScreen, screen)
			if _, err := r.ResolveSubscription(id, domain.TrackKindScreen); err != nil && !errors.Is(err, domain.ErrStaleReference) {
				t.Error(err)
			}
			_ = r.Agents()
			_ = r.ViewersOf("a1")
		}()
	}
	wg.Wait()
	assert.Len(t, r.ViewersOf("a1"), 20)
}
