package pipeline

// Options selects the output container, video codec and encode engine for a
// live stream. Zero values mean "use the configured defaults".
type Options struct {
	Container string // ts, mkv, mp4
	Codec     string // copy, h264, h265, av1
	Engine    string // none, soft, qsv, nvenc, vaapi
}

// Normalize resolves aliases and fills defaults. AV1 output defaults to
// Matroska because AV1-in-TS support is poor in the wild, and any real
// encode needs at least the software engine.
func (o Options) Normalize() Options {
	switch o.Codec {
	case "264", "avc":
		o.Codec = "h264"
	case "265", "hevc":
		o.Codec = "h265"
	case "":
		o.Codec = "copy"
	}

	if o.Container == "" {
		if o.Codec == "av1" {
			o.Container = "mkv"
		} else {
			o.Container = "ts"
		}
	}

	if o.Engine == "" {
		o.Engine = "none"
	}
	if o.Codec != "copy" && o.Engine == "none" {
		o.Engine = "soft"
	}

	return o
}

// ContentType returns the response content type for the chosen container.
func (o Options) ContentType() string {
	switch o.Container {
	case "mkv":
		return "video/x-matroska"
	case "mp4":
		return "video/mp4"
	default:
		return "video/mp2t"
	}
}

// BuildTranscodeArgs assembles the transcoder command line: MPEG-TS on
// stdin, the selected container on stdout. The caller is expected to have
// normalised the options first.
func BuildTranscodeArgs(o Options) []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostats"}

	// Hardware device setup goes before the input.
	switch o.Engine {
	case "nvenc":
		args = append(args, "-hwaccel", "cuda", "-hwaccel_output_format", "cuda")
	case "qsv":
		args = append(args, "-init_hw_device", "qsv=hw", "-filter_hw_device", "hw", "-hwaccel", "qsv")
	case "vaapi":
		args = append(args,
			"-init_hw_device", "vaapi=va:/dev/dri/renderD128",
			"-filter_hw_device", "va",
			"-hwaccel", "vaapi", "-hwaccel_output_format", "vaapi")
	}

	args = append(args, "-f", "mpegts", "-i", "pipe:0")

	if o.Codec == "copy" {
		args = append(args, "-c", "copy")
	} else {
		args = append(args, videoArgs(o)...)
		// Broadcast audio arrives as AC-3 or MP2; always downmix to
		// stereo AAC when re-encoding.
		args = append(args, "-c:a", "aac", "-b:a", "128k", "-ac", "2")
	}

	switch o.Container {
	case "mkv":
		args = append(args, "-f", "matroska")
	case "mp4":
		// Fragmented output so the stream is playable before it ends.
		args = append(args, "-movflags", "frag_keyframe+empty_moov+default_base_moof", "-f", "mp4")
	default:
		args = append(args, "-f", "mpegts")
	}

	return append(args, "pipe:1")
}

func videoArgs(o Options) []string {
	switch o.Engine {
	case "nvenc":
		codec := map[string]string{"h264": "h264_nvenc", "h265": "hevc_nvenc", "av1": "av1_nvenc"}[o.Codec]
		return []string{"-c:v", codec, "-preset", "p1", "-tune", "ull", "-rc", "cbr"}
	case "qsv":
		codec := map[string]string{"h264": "h264_qsv", "h265": "hevc_qsv", "av1": "av1_qsv"}[o.Codec]
		return []string{"-vf", "hwupload=extra_hw_frames=64,format=qsv", "-c:v", codec, "-preset", "veryfast"}
	case "vaapi":
		codec := map[string]string{"h264": "h264_vaapi", "h265": "hevc_vaapi", "av1": "av1_vaapi"}[o.Codec]
		return []string{"-vf", "format=nv12|vaapi,hwupload", "-c:v", codec}
	default:
		switch o.Codec {
		case "h265":
			return []string{"-c:v", "libx265", "-preset", "ultrafast", "-tune", "zerolatency"}
		case "av1":
			return []string{"-c:v", "libsvtav1", "-preset", "12"}
		default:
			return []string{"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency"}
		}
	}
}
