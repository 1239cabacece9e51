// Package device binds the pipeline to real audio hardware.
//
// [Capture] opens a microphone through miniaudio (malgo) in float mode and
// invokes a callback once per period on miniaudio's real-time thread.
// [Speaker] renders scheduled playback units through oto and doubles as the
// [playback.Clock] for the scheduler: its clock advances exactly as fast as
// the device pulls samples.
//
// Neither type tracks its own lifetime globally; callers wrap the close
// methods in resource handles so a registry can force their release.
package device
