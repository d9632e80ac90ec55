package bridge

// Source identifies which voice activity detector produced a speech event.
type Source int

const (
	// SourceLocal is the energy detector running on the caller's audio
	// inside the bridge.
	SourceLocal Source = iota

	// SourceRemote is the AI endpoint's own turn detector.
	SourceRemote
)

func (s Source) String() string {
	if s == SourceRemote {
		return "remote"
	}
	return "local"
}

// SpeechFlags records which detectors currently claim the caller is
// speaking. Playback stays suppressed while either flag is set.
type SpeechFlags struct {
	Local  bool
	Remote bool
}

// Suppressed reports whether any detector hears the caller.
func (f SpeechFlags) Suppressed() bool { return f.Local || f.Remote }

func (f *SpeechFlags) set(src Source, speaking bool) {
	if src == SourceRemote {
		f.Remote = speaking
		return
	}
	f.Local = speaking
}
