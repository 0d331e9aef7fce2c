package notify

import (
	"fmt"

	"bookmarket/pkg/models"
)

// ReturnWindowDays is how long after the end date a rental may be returned
// with a deposit refund.
const ReturnWindowDays = 5

func rentalNotice(rentalID string, r models.Rental, typ models.NotificationType, message string) models.Notification {
	return models.Notification{
		UserEmail: r.UserEmail,
		Type:      typ,
		Message:   message,
		BookName:  r.BookName,
		BookImage: r.BookImage,
		RentalID:  rentalID,
	}
}

func EndingTomorrow(rentalID string, r models.Rental) models.Notification {
	n := rentalNotice(rentalID, r, models.NotifyRentalEndingTomorrow, fmt.Sprintf(
		"⏰ Your rental for %q ends tomorrow (%s). You will have %d days after %s to return the book and get your security deposit of ₹%s back.",
		r.BookName, r.EndDate, ReturnWindowDays, r.EndDate, r.SecurityDeposit))
	n.ImageURL = r.BookImage
	n.EndDate = r.EndDate
	n.SecurityDeposit = r.SecurityDeposit
	return n
}

func ReturnWindow(rentalID string, r models.Rental) models.Notification {
	n := rentalNotice(rentalID, r, models.NotifyReturnWindow, fmt.Sprintf(
		"📅 Your rental for %q ended on %s. You can return the book within %d days to get your security deposit of ₹%s back.",
		r.BookName, r.EndDate, ReturnWindowDays, r.SecurityDeposit))
	n.ImageURL = r.BookImage
	n.EndDate = r.EndDate
	n.SecurityDeposit = r.SecurityDeposit
	return n
}

func ReturnWindowExpired(rentalID string, r models.Rental) models.Notification {
	n := rentalNotice(rentalID, r, models.NotifyReturnWindowExpired, fmt.Sprintf(
		"⏰ Your rental period for %q is over. The %d-day return window has expired. No security deposit will be refunded.",
		r.BookName, ReturnWindowDays))
	n.ImageURL = r.BookImage
	n.EndDate = r.EndDate
	return n
}

func SecurityRefund(rentalID string, r models.Rental) models.Notification {
	n := rentalNotice(rentalID, r, models.NotifySecurityRefund, fmt.Sprintf(
		"✅ Your book %q return has been accepted! Your security deposit of ₹%s will be refunded shortly.",
		r.BookName, r.SecurityDeposit))
	n.SecurityDeposit = r.SecurityDeposit
	return n
}

func ReturnRejected(rentalID string, r models.Rental, reason string) models.Notification {
	shown := reason
	if shown == "" {
		shown = "Please contact admin for details."
	}
	n := rentalNotice(rentalID, r, models.NotifyReturnRejected, fmt.Sprintf(
		"❌ Your return request for %q has been rejected. Reason: %s", r.BookName, shown))
	n.Reason = reason
	return n
}

func ReturnRequest(rentalID string, r models.Rental, userEmail string) models.AdminNotification {
	return models.AdminNotification{
		Type:            models.TicketReturnRequest,
		Message:         fmt.Sprintf("📦 User %s has requested to return %q. Please review and accept/reject the return.", userEmail, r.BookName),
		BookName:        r.BookName,
		BookImage:       r.BookImage,
		UserEmail:       userEmail,
		RentalID:        rentalID,
		SecurityDeposit: r.SecurityDeposit,
		RentalFee:       r.RentalFee,
		StartDate:       r.StartDate,
		EndDate:         r.EndDate,
		Quantity:        r.Quantity,
	}
}

func DropAccepted(requestID, userEmail, bookName, imageURL string) models.Notification {
	return models.Notification{
		UserEmail: userEmail,
		Type:      models.NotifyDropAccepted,
		Message:   fmt.Sprintf("Your book %q has been accepted!", bookName),
		BookName:  bookName,
		ImageURL:  imageURL,
		RequestID: requestID,
	}
}

func DropRejected(requestID, userEmail, bookName, imageURL string) models.Notification {
	return models.Notification{
		UserEmail: userEmail,
		Type:      models.NotifyDropRejected,
		Message:   fmt.Sprintf("Your book %q request has been cancelled.", bookName),
		BookName:  bookName,
		ImageURL:  imageURL,
		RequestID: requestID,
	}
}
