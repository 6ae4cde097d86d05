package email

import (
	"fmt"
	"html"
	"strings"
	"time"
)

const timeLayout = "Mon 02 Jan 2006 15:04 MST"

// ReservationDetails is what a reservation email shows.
type ReservationDetails struct {
	ReservationID string
	SlotID        string
	StartTime     time.Time
	EndTime       time.Time
}

// ShortID trims an id for subject lines.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ConfirmationSubject is the subject of the reservation confirmation email.
func ConfirmationSubject(reservationID string) string {
	return fmt.Sprintf("Reservation confirmed (%s)", ShortID(reservationID))
}

// StatusChangeSubject is the subject of a status change email.
func StatusChangeSubject(reservationID, status string) string {
	return fmt.Sprintf("Reservation %s: %s", ShortID(reservationID), humanStatus(status))
}

// BuildConfirmationBody builds the HTML body for the reservation
// confirmation email
func BuildConfirmationBody(name string, d ReservationDetails) string {
	rows := detailRow("Reservation", d.ReservationID) +
		detailRow("Slot", d.SlotID) +
		detailRow("From", d.StartTime.Format(timeLayout)) +
		detailRow("Until", d.EndTime.Format(timeLayout))
	return layout("Your parking is reserved",
		fmt.Sprintf("Hello %s, your reservation has been created.", html.EscapeString(greetingName(name))),
		rows)
}

// BuildStatusChangeBody builds the HTML body for a status change email
func BuildStatusChangeBody(name, reservationID, from, to string) string {
	rows := detailRow("Reservation", reservationID) +
		detailRow("Previous status", humanStatus(from)) +
		detailRow("New status", humanStatus(to))
	return layout("Reservation "+humanStatus(to),
		fmt.Sprintf("Hello %s, the status of your reservation has changed.", html.EscapeString(greetingName(name))),
		rows)
}

func detailRow(label, value string) string {
	return fmt.Sprintf(
		`<tr>
				<td style="padding: 12px; border-bottom: 1px solid #eee; color: #666;">%s</td>
				<td style="padding: 12px; border-bottom: 1px solid #eee; font-family: monospace;">%s</td>
			</tr>`,
		html.EscapeString(label),
		html.EscapeString(value),
	)
}

func layout(title, intro, rows string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
	<div style="background: linear-gradient(135deg, #2b7a78 0%%, #3aafa9 100%%); padding: 30px; border-radius: 10px 10px 0 0;">
		<h1 style="color: white; margin: 0; font-size: 24px;">%s</h1>
	</div>

	<div style="background: #fff; padding: 30px; border: 1px solid #eee; border-top: none; border-radius: 0 0 10px 10px;">
		<p style="margin-top: 0;">%s</p>

		<table style="width: 100%%; border-collapse: collapse; margin: 20px 0;">
			<tbody>
			%s
			</tbody>
		</table>

		<hr style="border: none; border-top: 1px solid #eee; margin: 30px 0;">

		<p style="font-size: 12px; color: #999; margin-bottom: 0;">
			This message was sent automatically. Contact the parking office if anything looks wrong.
		</p>
	</div>
</body>
</html>`, html.EscapeString(title), intro, rows)
}

func humanStatus(status string) string {
	switch status {
	case "checked_in":
		return "checked in"
	case "checked_out":
		return "checked out"
	default:
		return strings.ReplaceAll(status, "_", " ")
	}
}

func greetingName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "there"
	}
	return name
}
