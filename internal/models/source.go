package models

import "fmt"

type SourceKind int

const (
	SourceNetwork SourceKind = iota
	SourceLocalFile
)

func (k SourceKind) String() string {
	switch k {
	case SourceNetwork:
		return "network"
	case SourceLocalFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type MediaType int

const (
	MediaVideoStream MediaType = iota
	MediaImage
)

func (m MediaType) String() string {
	switch m {
	case MediaVideoStream:
		return "video"
	case MediaImage:
		return "image"
	default:
		return fmt.Sprintf("media(%d)", int(m))
	}
}

// SourceDescriptor identifies a selectable video origin. It is a value type
// and is never modified after creation.
type SourceDescriptor struct {
	Name    string
	Kind    SourceKind
	Locator string
	Media   MediaType
}

func NetworkSource(name, url string) SourceDescriptor {
	return SourceDescriptor{Name: name, Kind: SourceNetwork, Locator: url, Media: MediaVideoStream}
}

func LocalFileSource(name, path string, media MediaType) SourceDescriptor {
	return SourceDescriptor{Name: name, Kind: SourceLocalFile, Locator: path, Media: media}
}

// IsLive reports whether the source is a live network video stream.
func (d SourceDescriptor) IsLive() bool {
	return d.Kind == SourceNetwork && d.Media == MediaVideoStream
}

func (d SourceDescriptor) String() string {
	return fmt.Sprintf("%s (%s %s)", d.Name, d.Kind, d.Media)
}
