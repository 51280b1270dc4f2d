package task

import (
	"strconv"
	"strings"
)

// ButtonKind is the decoded shape of a customId.
type ButtonKind string

const (
	ButtonUpsample      ButtonKind = "upsample"
	ButtonVariation     ButtonKind = "variation"
	ButtonReroll        ButtonKind = "reroll"
	ButtonPan           ButtonKind = "pan"
	ButtonPicReader     ButtonKind = "pic_reader"
	ButtonPromptAnalyzer ButtonKind = "prompt_analyzer"
	ButtonCustomZoom    ButtonKind = "custom_zoom"
	ButtonInpaint       ButtonKind = "inpaint"
	ButtonBookmark      ButtonKind = "bookmark"
	ButtonRemixModal    ButtonKind = "remix_modal"
	ButtonPanModal      ButtonKind = "pan_modal"
	ButtonImagineModal  ButtonKind = "imagine_modal"
	ButtonHighVariability ButtonKind = "high_variability"
	ButtonUnknown       ButtonKind = "unknown"
)

// PanDirection is one of the four pan button directions.
type PanDirection string

const (
	PanLeft  PanDirection = "left"
	PanRight PanDirection = "right"
	PanUp    PanDirection = "up"
	PanDown  PanDirection = "down"
)

// ParsedButton is the bit-exact decoding of a customId string per the
// button customId grammar.
type ParsedButton struct {
	Kind     ButtonKind
	Index    int
	Hash     string
	Dir      PanDirection
	PicIndex string // "1".."4" or "all" for PicReader; "N" for PromptAnalyzer
	HighVariability bool
	MessageID string
}

// ParseCustomID decodes a button customId string bit-exactly against the
// button customId grammar. Returns ButtonUnknown if nothing matches.
func ParseCustomID(id string) ParsedButton {
	switch {
	case strings.HasPrefix(id, "MJ::JOB::upsample::"):
		idx, hash := parseIndexHash(strings.TrimPrefix(id, "MJ::JOB::upsample::"))
		return ParsedButton{Kind: ButtonUpsample, Index: idx, Hash: hash}

	case strings.HasPrefix(id, "MJ::JOB::variation::"):
		idx, hash := parseIndexHash(strings.TrimPrefix(id, "MJ::JOB::variation::"))
		return ParsedButton{Kind: ButtonVariation, Index: idx, Hash: hash}

	case strings.HasPrefix(id, "MJ::JOB::reroll::0::"):
		rest := strings.TrimSuffix(strings.TrimPrefix(id, "MJ::JOB::reroll::0::"), "::SOLO")
		return ParsedButton{Kind: ButtonReroll, Hash: rest}

	case strings.HasPrefix(id, "MJ::JOB::pan_"):
		return parsePanJob(id)

	case id == "MJ::JOB::PicReader::all":
		return ParsedButton{Kind: ButtonPicReader, PicIndex: "all"}

	case strings.HasPrefix(id, "MJ::JOB::PicReader::"):
		return ParsedButton{Kind: ButtonPicReader, PicIndex: strings.TrimPrefix(id, "MJ::JOB::PicReader::")}

	case strings.HasPrefix(id, "MJ::Job::PromptAnalyzer::"):
		return ParsedButton{Kind: ButtonPromptAnalyzer, PicIndex: strings.TrimPrefix(id, "MJ::Job::PromptAnalyzer::")}

	case strings.HasPrefix(id, "MJ::CustomZoom::"):
		return ParsedButton{Kind: ButtonCustomZoom, Hash: strings.TrimPrefix(id, "MJ::CustomZoom::")}

	case strings.HasPrefix(id, "MJ::Inpaint::"):
		return ParsedButton{Kind: ButtonInpaint}

	case strings.HasPrefix(id, "MJ::BOOKMARK::"):
		return ParsedButton{Kind: ButtonBookmark}

	case strings.HasPrefix(id, "MJ::RemixModal::"):
		return parseRemixModal(id)

	case strings.HasPrefix(id, "MJ::PanModal::"):
		return parsePanModal(id)

	case strings.HasPrefix(id, "MJ::ImagineModal::"):
		return ParsedButton{Kind: ButtonImagineModal, MessageID: strings.TrimPrefix(id, "MJ::ImagineModal::")}

	case strings.HasPrefix(id, "MJ::Settings::HighVariabilityMode::"):
		v := strings.TrimPrefix(id, "MJ::Settings::HighVariabilityMode::")
		return ParsedButton{Kind: ButtonHighVariability, HighVariability: v == "1"}
	}
	return ParsedButton{Kind: ButtonUnknown}
}

func parseIndexHash(rest string) (int, string) {
	parts := strings.SplitN(rest, "::", 2)
	if len(parts) != 2 {
		return 0, ""
	}
	idx, _ := strconv.Atoi(parts[0])
	return idx, parts[1]
}

// parsePanJob decodes MJ::JOB::pan_{dir}::{index}::{hash}::SOLO.
func parsePanJob(id string) ParsedButton {
	const prefix = "MJ::JOB::pan_"
	rest := strings.TrimPrefix(id, prefix)
	dirParts := strings.SplitN(rest, "::", 2)
	if len(dirParts) != 2 {
		return ParsedButton{Kind: ButtonUnknown}
	}
	dir := PanDirection(dirParts[0])
	idx, hash := parseIndexHash(dirParts[1])
	hash = strings.TrimSuffix(hash, "::SOLO")
	return ParsedButton{Kind: ButtonPan, Dir: dir, Index: idx, Hash: hash}
}

// parseRemixModal decodes MJ::RemixModal::{hash}::{index}::{0|1}.
func parseRemixModal(id string) ParsedButton {
	rest := strings.TrimPrefix(id, "MJ::RemixModal::")
	parts := strings.Split(rest, "::")
	if len(parts) != 3 {
		return ParsedButton{Kind: ButtonUnknown}
	}
	idx, _ := strconv.Atoi(parts[1])
	return ParsedButton{
		Kind:            ButtonRemixModal,
		Hash:            parts[0],
		Index:           idx,
		HighVariability: parts[2] == "1",
	}
}

// parsePanModal decodes MJ::PanModal::{dir}::{hash}::{index}.
func parsePanModal(id string) ParsedButton {
	rest := strings.TrimPrefix(id, "MJ::PanModal::")
	parts := strings.Split(rest, "::")
	if len(parts) != 3 {
		return ParsedButton{Kind: ButtonUnknown}
	}
	idx, _ := strconv.Atoi(parts[2])
	return ParsedButton{Kind: ButtonPanModal, Dir: PanDirection(parts[0]), Hash: parts[1], Index: idx}
}

// BuildRemixCustomID renders a RemixModal customId from its parts.
func BuildRemixCustomID(hash string, index int, highVariability bool) string {
	suffix := "0"
	if highVariability {
		suffix = "1"
	}
	return "MJ::RemixModal::" + hash + "::" + strconv.Itoa(index) + "::" + suffix
}

// BuildPanModalCustomID renders a PanModal customId from its parts.
func BuildPanModalCustomID(dir PanDirection, hash string, index int) string {
	return "MJ::PanModal::" + string(dir) + "::" + hash + "::" + strconv.Itoa(index)
}

// BuildImagineModalCustomID renders an ImagineModal customId.
func BuildImagineModalCustomID(messageID string) string {
	return "MJ::ImagineModal::" + messageID
}

// BuildButtonGrid renders the standard follow-up action grid attached to
// a successful completion: U1..U4 (upsample), V1..V4 (variation), and a
// reroll, each customId carrying the completed task's image hash so a
// later button click can be routed back via ParseCustomID.
func BuildButtonGrid(hash string) []Button {
	grid := make([]Button, 0, 9)
	for i := 1; i <= 4; i++ {
		grid = append(grid, Button{
			CustomID: "MJ::JOB::upsample::" + strconv.Itoa(i) + "::" + hash,
			Label:    "U" + strconv.Itoa(i),
		})
	}
	for i := 1; i <= 4; i++ {
		grid = append(grid, Button{
			CustomID: "MJ::JOB::variation::" + strconv.Itoa(i) + "::" + hash,
			Label:    "V" + strconv.Itoa(i),
		})
	}
	grid = append(grid, Button{
		CustomID: "MJ::JOB::reroll::0::" + hash,
		Label:    "🔄",
	})
	return grid
}
