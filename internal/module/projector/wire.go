package projector

import (
	"errors"
	"fmt"
)

// The projector speaks a fixed ASCII protocol: every command is a short
// string terminated by a carriage return. The byte sequences below must
// match the hardware exactly; do not reformat them.
const (
	wirePowerOn  = "~0000 1\r"
	wirePowerOff = "~0000 0\r"
)

// Input is a selectable video input.
type Input string

const (
	InputHDMI1 Input = "HDMI1"
	InputHDMI2 Input = "HDMI2"
)

var inputCommands = map[Input]string{
	InputHDMI1: "~00305 1\r",
	InputHDMI2: "~0012 15\r",
}

// AspectRatio is a selectable display aspect ratio.
type AspectRatio string

const (
	Aspect4x3  AspectRatio = "4:3"
	Aspect16x9 AspectRatio = "16:9"
)

var aspectCommands = map[AspectRatio]string{
	Aspect4x3:  "~0060 1\r",
	Aspect16x9: "~0060 2\r",
}

// Direction is an on-screen-menu navigation key.
type Direction string

const (
	DirectionUp    Direction = "UP"
	DirectionDown  Direction = "DOWN"
	DirectionLeft  Direction = "LEFT"
	DirectionRight Direction = "RIGHT"
	DirectionEnter Direction = "ENTER"
	DirectionMenu  Direction = "MENU"
	DirectionBack  Direction = "BACK"
)

var navigationCommands = map[Direction]string{
	DirectionUp:    "~00140 10\r",
	DirectionLeft:  "~00140 11\r",
	DirectionEnter: "~00140 12\r",
	DirectionRight: "~00140 13\r",
	DirectionDown:  "~00140 14\r",
	DirectionMenu:  "~00140 20\r",
	DirectionBack:  "~00140 74\r",
}

// Adjustment is a parametric image correction.
type Adjustment string

const (
	AdjustHImageShift Adjustment = "H-IMAGE-SHIFT"
	AdjustVImageShift Adjustment = "V-IMAGE-SHIFT"
	AdjustHKeystone   Adjustment = "H-KEYSTONE"
	AdjustVKeystone   Adjustment = "V-KEYSTONE"
)

type adjustmentSpec struct {
	format   string
	min, max int
	rangeErr string
}

var adjustmentCommands = map[Adjustment]adjustmentSpec{
	AdjustHImageShift: {"~0063 %d\r", -100, 100, "Image shift value must be between -100 and 100"},
	AdjustVImageShift: {"~0064 %d\r", -100, 100, "Image shift value must be between -100 and 100"},
	AdjustHKeystone:   {"~0065 %d\r", -40, 40, "Keystone value must be between -40 and 40"},
	AdjustVKeystone:   {"~0066 %d\r", -40, 40, "Keystone value must be between -40 and 40"},
}

// render produces the wire string for an adjustment, rejecting values
// outside the declared range before anything reaches the serial line.
func (s adjustmentSpec) render(value int) (string, error) {
	if value < s.min || value > s.max {
		return "", errors.New(s.rangeErr)
	}
	return fmt.Sprintf(s.format, value), nil
}

// ValidInput reports whether input is a selectable source.
func ValidInput(input Input) bool {
	_, ok := inputCommands[input]
	return ok
}

// ValidAspectRatio reports whether r is a selectable aspect ratio.
func ValidAspectRatio(r AspectRatio) bool {
	_, ok := aspectCommands[r]
	return ok
}

// ValidDirection reports whether d is a navigation key.
func ValidDirection(d Direction) bool {
	_, ok := navigationCommands[d]
	return ok
}

// ValidateAdjustment checks an adjustment type and value against the
// command table without rendering. The relay's HTTP layer uses this to
// reject bad requests before they are dispatched to a device.
func ValidateAdjustment(a Adjustment, value int) error {
	spec, ok := adjustmentCommands[a]
	if !ok {
		return fmt.Errorf("invalid adjustment type: %s", a)
	}
	if value < spec.min || value > spec.max {
		return errors.New(spec.rangeErr)
	}
	return nil
}
