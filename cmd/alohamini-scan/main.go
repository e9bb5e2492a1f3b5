// alohamini-scan is a bus diagnostic: it walks every serial port, scans
// for Feetech servos, and dumps their IDs, positions and loads. Useful for
// checking wiring and servo IDs before running setup.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial"
)

const maxServoID = 12

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func main() {
	fmt.Println(headerStyle.Render("AlohaMini Bus Scanner"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println()

	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing ports: %v\n", err)
		os.Exit(1)
	}

	found := 0
	for _, port := range ports {
		if strings.Contains(port, "Bluetooth") {
			continue
		}
		if scanPort(port) {
			found++
		}
	}

	if found == 0 {
		fmt.Println("No servos found on any port.")
		fmt.Println("Make sure the arms are connected and powered on.")
		os.Exit(1)
	}
}

func scanPort(port string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return false
	}
	defer bus.Close()

	servos, err := bus.Scan(ctx, 1, maxServoID)
	if err != nil || len(servos) == 0 {
		return false
	}

	fmt.Printf("%s: %d servo(s)\n", headerStyle.Render(port), len(servos))

	rows := make([][]string, 0, len(servos))
	for _, s := range servos {
		servo := feetech.NewServo(bus, s.ID, s.Model)
		pos := "-"
		if p, err := servo.Position(ctx); err == nil {
			pos = fmt.Sprintf("%d", p)
		}
		load := "-"
		if l, err := servo.Load(ctx); err == nil {
			load = fmt.Sprintf("%d", l)
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", s.ID),
			fmt.Sprintf("%v", s.Model),
			pos,
			load,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "Model", "Position", "Load").
		Rows(rows...)
	fmt.Println(t.Render())
	fmt.Println()
	return true
}
