package gsusb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

var (
	yellow = color.New(color.FgYellow).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f *Frame) direction() string {
	if f.IsEcho() {
		return "<e> || "
	}
	return "<i> || "
}

func (f *Frame) hexView() string {
	var hexView strings.Builder
	for i, b := range f.Payload() {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != int(f.DLC)-1 {
			hexView.WriteString(" ")
		}
	}
	return hexView.String()
}

func (f *Frame) String() string {
	var out strings.Builder
	out.WriteString(f.direction())
	out.WriteString("ch" + strconv.Itoa(int(f.Channel)) + " || ")
	out.WriteString(fmt.Sprintf("0x%03X", f.CanID) + " || ")
	out.WriteString(strconv.Itoa(int(f.DLC)) + " || ")
	out.WriteString(fmt.Sprintf("%-23s", f.hexView()))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Payload()))
	return out.String()
}

func (f *Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(f.direction())
	out.WriteString("ch" + strconv.Itoa(int(f.Channel)) + " || ")
	out.WriteString(green("0x%03X", f.CanID) + " || ")
	out.WriteString(strconv.Itoa(int(f.DLC)) + " || ")
	out.WriteString(red(fmt.Sprintf("%-23s", f.hexView())))
	out.WriteString(" || ")
	out.WriteString(yellow(onlyPrintable(f.Payload())))
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
