package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/patientflow/internal/scheduling"
)

const (
	msgHelp = "I can book, reschedule, cancel or check your appointments. " +
		"Try \"book tomorrow at 10am\" or \"cancel APT-1001\"."
	msgGoodbye        = "Thanks for reaching out. Message us any time to book or manage an appointment."
	msgNoAppointments = "I couldn't find any upcoming appointments for this number. Reply BOOK to schedule one."
	msgNoDoctors      = "Online booking isn't available right now. Please call the clinic."
	msgSlotTaken      = "Sorry, that time was just taken. Please choose another time."
	msgBadTime        = "I couldn't use that date or time. Try something like \"tomorrow at 10am\"."
	msgInternal       = "Sorry, something went wrong on our side. Please try again in a moment."
	msgMediaOnly      = "I can only read text messages. Please type your request."
)

const whenLayout = "Mon Jan 2 at 3:04 PM"

func formatWhen(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(whenLayout)
}

func noSlotsText(date time.Time, suggestions []scheduling.Slot, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "There are no open times on %s.", date.In(loc).Format("Mon Jan 2"))
	if len(suggestions) == 0 {
		b.WriteString(" Please try another day.")
		return b.String()
	}
	b.WriteString(" Next available:")
	for i, s := range suggestions {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "\n- %s", formatWhen(s.Start, loc))
	}
	b.WriteString("\nReply with the time that suits you.")
	return b.String()
}
