package main

import (
	"context"

	"github.com/LingByte/CareCall/pkg/preflight"
)

// staticChecker passes preflight without touching capture devices. It pairs
// with rtcmedia.StaticSource for headless runs.
type staticChecker struct{}

func (staticChecker) Check(ctx context.Context, req preflight.Request) preflight.Result {
	if err := ctx.Err(); err != nil {
		return preflight.Result{Reason: preflight.ReasonUnknown, Err: err}
	}
	var res preflight.Result
	res.OK = true
	res.State.CameraPermission = preflight.PermissionPrompt
	res.State.MicrophonePermission = preflight.PermissionPrompt
	if req.Audio {
		res.DeviceIDs.Audio = "static-audio"
		res.State.MicrophonePermission = preflight.PermissionGranted
		res.State.SelectedAudioID = res.DeviceIDs.Audio
		res.AudioInputs = []preflight.Device{{ID: res.DeviceIDs.Audio, Label: "Synthetic silence", Kind: preflight.KindAudio}}
	}
	if req.Video {
		res.DeviceIDs.Video = "static-video"
		res.State.CameraPermission = preflight.PermissionGranted
		res.State.SelectedVideoID = res.DeviceIDs.Video
		res.VideoInputs = []preflight.Device{{ID: res.DeviceIDs.Video, Label: "Synthetic video", Kind: preflight.KindVideo}}
	}
	return res
}
