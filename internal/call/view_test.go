package call

import (
	"testing"
	"time"

	"github.com/observer/teacall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{-time.Second, "00:00"},
		{999 * time.Millisecond, "00:00"},
		{65 * time.Second, "01:05"},
		{59*time.Minute + 59*time.Second, "59:59"},
		{time.Hour, "1:00:00"},
		{3*time.Hour + 25*time.Minute + 7*time.Second, "3:25:07"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in), tt.in.String())
	}
}

func TestRender_Connected(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	connected := start.Add(2 * time.Second)
	cs := domain.CallSession{
		ID:          "s1",
		State:       domain.StateConnected,
		Role:        domain.RoleInitiator,
		Remote:      domain.Participant{ID: "B", DisplayName: "Bob", AvatarURL: "https://example.com/b.png"},
		StartedAt:   start,
		ConnectedAt: &connected,
		Media:       domain.MediaState{HasAudio: true, AudioEnabled: false, HasVideo: true, VideoEnabled: true, ScreenShare: true},
	}

	v := Render(cs, connected.Add(75*time.Second))
	assert.Equal(t, "connected", v.State)
	assert.Equal(t, "In call with Bob", v.Label)
	assert.Equal(t, "01:15", v.Duration)
	assert.True(t, v.Active)
	assert.True(t, v.Muted)
	assert.False(t, v.VideoOff)
	assert.True(t, v.ScreenShare)
	assert.Equal(t, "Bob", v.RemoteName)
	assert.Equal(t, "https://example.com/b.png", v.RemoteAvatar)
	assert.Nil(t, v.Banner)
}

func TestRender_Labels(t *testing.T) {
	bob := domain.Participant{ID: "B"}
	assert.Equal(t, "Calling B", Render(domain.CallSession{State: domain.StateAwaitingSignal, Role: domain.RoleInitiator, Remote: bob}, time.Now()).Label)
	assert.Equal(t, "Waiting for B", Render(domain.CallSession{State: domain.StateAwaitingSignal, Role: domain.RoleReceiver, Remote: bob}, time.Now()).Label)
	assert.Equal(t, "B left the call", Render(domain.CallSession{State: domain.StateEnded, EndReason: domain.EndRemoteHangup, Remote: bob}, time.Now()).Label)
	assert.Equal(t, "Call ended", Render(domain.CallSession{State: domain.StateEnded, EndReason: domain.EndLocalHangup, Remote: bob}, time.Now()).Label)

	idle := IdleView()
	assert.Equal(t, "idle", idle.State)
	assert.False(t, idle.Active)
	assert.Equal(t, "00:00", idle.Duration)
}

func TestRender_FailureBannersStayDistinct(t *testing.T) {
	bob := domain.Participant{ID: "B", DisplayName: "Bob"}
	render := func(kind domain.FailureKind, code string) *Banner {
		v := Render(domain.CallSession{State: domain.StateFailed, Remote: bob, Failure: domain.NewFailure(kind, code, nil)}, time.Now())
		require.NotNil(t, v.Banner)
		assert.True(t, v.Banner.Dismissable)
		assert.True(t, v.Active, "a failed call stays until dismissed")
		return v.Banner
	}

	device := render(domain.FailureAcquisition, domain.CodePermissionDenied)
	remote := render(domain.FailureNegotiation, domain.CodeNoAnswer)
	network := render(domain.FailureConnectivity, domain.CodeRetryExhausted)
	relay := render(domain.FailureSignaling, domain.CodeChannelLost)

	assert.Equal(t, BannerDevice, device.Family)
	assert.Equal(t, BannerRemote, remote.Family)
	assert.Equal(t, BannerNetwork, network.Family)
	assert.Equal(t, BannerNetwork, relay.Family)

	assert.NotEqual(t, device.Title, remote.Title)
	assert.NotEqual(t, remote.Title, network.Title)
	assert.NotEqual(t, device.Title, network.Title)
	assert.Contains(t, device.Detail, "blocked")
	assert.Equal(t, "Bob didn't answer.", remote.Detail)

	busy := render(domain.FailureAcquisition, domain.CodeDeviceBusy)
	assert.NotEqual(t, device.Detail, busy.Detail)
}

func TestRender_NoBannerOutsideFailed(t *testing.T) {
	cs := domain.CallSession{
		State:   domain.StateEnded,
		Failure: domain.NewFailure(domain.FailureConnectivity, domain.CodeICEFailed, nil),
	}
	assert.Nil(t, Render(cs, time.Now()).Banner)
}
