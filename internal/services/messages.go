package services

import (
	"fmt"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
	"github.com/tbourn/go-keyshop-backend/internal/rails"
)

// Stable texts shown to payers and admins.
const (
	msgConfirmed   = "Payment confirmed! Creating your Outline VPN key..."
	msgEnjoy       = "Enjoy your VPN access! If you have any questions, type /help."
	msgKeyError    = "There was an error creating your key. Please contact support."
	msgReminderBTC = "Still waiting for BTC payment."
)

func instructionsText(p domain.Payment) string {
	switch p.Method {
	case domain.MethodUSDT:
		return fmt.Sprintf("Please send exactly %s USDT (ERC20) to this address:\n\n%s\n\n"+
			"Make sure to send USDT on the Ethereum Network (ERC20). "+
			"I will create your key after the payment is confirmed. Payment ID: %s",
			p.DisplayAmount(), p.Address, p.ID)
	default:
		return fmt.Sprintf("Please send exactly %s %s to this address:\n\n%s\n\n"+
			"I will create your key after the payment is confirmed. Payment ID: %s",
			p.DisplayAmount(), p.Method, p.Address, p.ID)
	}
}

func noticeText(p domain.Payment, n rails.Notice) string {
	switch n.Kind {
	case rails.NoticeChecking:
		return fmt.Sprintf("Checking for your %s payment of %s %s to %s...", p.Method, p.DisplayAmount(), p.Method, p.Address)
	case rails.NoticeInsufficient:
		return fmt.Sprintf("Insufficient %s received. Expected: %s, Received: %s", p.Method, p.DisplayAmount(), n.Received.String())
	case rails.NoticeReminder:
		if p.Method == domain.MethodBTC {
			return msgReminderBTC
		}
		return fmt.Sprintf("Still waiting for %s payment.", p.Method)
	default:
		return fmt.Sprintf("%s payment not yet received. I will keep checking.", p.Method)
	}
}

func keyText(accessURL string) string {
	return "Your Outline VPN key is:\n\n" + accessURL
}

func expiredText(id string) string {
	return fmt.Sprintf("Payment ID %s has expired. Please use /buy to start a new order.", id)
}

func verificationFailedText(id string) string {
	return fmt.Sprintf("We could not verify payment %s. Please contact support.", id)
}

func adminSaleText(p domain.Payment) string {
	return fmt.Sprintf("New key sold to user: %s Payment ID: %s", p.ChatID, p.ID)
}

func adminProvisioningText(p domain.Payment, err error) string {
	return fmt.Sprintf("Error creating Outline key for payment %s (user %s): %v", p.ID, p.ChatID, err)
}

func adminExhaustedText(id string, cause error) string {
	return fmt.Sprintf("Verification gave up on payment %s: %v", id, cause)
}

func adminInterruptedText(p domain.Payment) string {
	return fmt.Sprintf("Payment %s (user %s) was fulfilled but key delivery never completed. Resolve manually.", p.ID, p.ChatID)
}
