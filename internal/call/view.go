package call

import (
	"fmt"
	"time"

	"github.com/observer/teacall/internal/domain"
	"github.com/observer/teacall/internal/media"
)

// Banner families. Each needs a different fix, so they are never merged
// into one generic message.
const (
	BannerDevice  = "device"
	BannerRemote  = "remote"
	BannerNetwork = "network"
)

// Banner is the dismissable explanation shown for a failed call.
type Banner struct {
	Family      string `json:"family"`
	Title       string `json:"title"`
	Detail      string `json:"detail"`
	Dismissable bool   `json:"dismissable"`
}

// View is what a UI surface renders for one call. Surfaces keep their own
// layout state (position, minimized) on top of it.
type View struct {
	SessionID        string  `json:"session_id,omitempty"`
	State            string  `json:"state"`
	Label            string  `json:"label"`
	Duration         string  `json:"duration"`
	Active           bool    `json:"active"`
	Muted            bool    `json:"muted"`
	VideoOff         bool    `json:"video_off"`
	ScreenShare      bool    `json:"screen_share"`
	PictureInPicture bool    `json:"picture_in_picture"`
	RemoteName       string  `json:"remote_name,omitempty"`
	RemoteAvatar     string  `json:"remote_avatar,omitempty"`
	Banner           *Banner `json:"banner,omitempty"`
}

// IdleView is rendered when there is no call.
func IdleView() View {
	return View{State: domain.StateIdle.String(), Label: "No call", Duration: FormatDuration(0)}
}

// Render turns a session snapshot into a view at time now.
func Render(cs domain.CallSession, now time.Time) View {
	v := View{
		SessionID:        cs.ID,
		State:            cs.State.String(),
		Label:            label(cs),
		Duration:         FormatDuration(cs.Duration(now)),
		Active:           cs.State.Live(),
		Muted:            cs.Media.Muted(),
		VideoOff:         cs.Media.VideoOff(),
		ScreenShare:      cs.Media.ScreenShare,
		PictureInPicture: cs.PictureInPicture,
		RemoteName:       cs.Remote.Name(),
		RemoteAvatar:     cs.Remote.AvatarURL,
	}
	if cs.State == domain.StateFailed && cs.Failure != nil {
		v.Banner = banner(cs.Remote, cs.Failure)
	}
	return v
}

func label(cs domain.CallSession) string {
	name := cs.Remote.Name()
	switch cs.State {
	case domain.StateIdle:
		return "No call"
	case domain.StateAcquiringMedia:
		return "Starting camera and microphone"
	case domain.StateAwaitingSignal:
		if cs.Role == domain.RoleInitiator {
			return "Calling " + name
		}
		return "Waiting for " + name
	case domain.StateConnecting:
		return "Connecting to " + name
	case domain.StateConnected:
		return "In call with " + name
	case domain.StateReconnecting:
		return "Reconnecting"
	case domain.StateFailed:
		return "Call failed"
	case domain.StateEnded:
		if cs.EndReason == domain.EndRemoteHangup {
			return name + " left the call"
		}
		return "Call ended"
	}
	return cs.State.String()
}

func banner(remote domain.Participant, f *domain.Failure) *Banner {
	b := &Banner{Dismissable: true}
	switch f.Kind {
	case domain.FailureAcquisition:
		b.Family = BannerDevice
		b.Title = "We couldn't reach your camera or microphone"
		b.Detail = media.Reason(f.Code).UserMessage()
		if f.Code == domain.CodeTimeout {
			b.Detail = "The device did not respond. Check the permission prompt and try again."
		}
	case domain.FailureNegotiation:
		b.Family = BannerRemote
		b.Title = remote.Name() + " couldn't be reached"
		switch f.Code {
		case domain.CodeNoAnswer:
			b.Detail = remote.Name() + " didn't answer."
		case domain.CodeNoOffer:
			b.Detail = remote.Name() + " never started the call."
		default:
			b.Detail = "Your devices couldn't agree on how to connect."
		}
	default:
		b.Family = BannerNetwork
		b.Title = "Network trouble"
		switch f.Code {
		case domain.CodeChannelLost, domain.CodeJoinFailed:
			b.Detail = "The connection to the call service was lost."
		default:
			b.Detail = "The connection to " + remote.Name() + " could not be kept up."
		}
	}
	return b
}

// FormatDuration renders m:ss-style call time: mm:ss under an hour, h:mm:ss above.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	h, m, s := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
