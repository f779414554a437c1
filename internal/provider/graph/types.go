package graph

import (
	"encoding/base64"

	"github.com/shineum/smtp-inbox-lite/internal/email"
	"github.com/shineum/smtp-inbox-lite/internal/parser"
)

// originalName is the file name of the attached original message.
const originalName = "original.eml"

type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject      string            `json:"subject"`
	Body         messageBody       `json:"body"`
	ToRecipients []recipient       `json:"toRecipients"`
	ReplyTo      []recipient       `json:"replyTo,omitempty"`
	Attachments  []graphAttachment `json:"attachments"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest addresses the message to exactly the given
// recipients. Graph's JSON form cannot carry an arbitrary MIME body, so the
// subject and body preview come from the parsed content and the complete
// original message travels as a message/rfc822 attachment.
func buildSendMailRequest(msg *email.Message, recipients []string) *sendMailRequest {
	body := messageBody{ContentType: "text"}
	subject := ""
	if summary, err := parser.Parse(msg.CRLFContent()); err == nil {
		subject = summary.Subject
		body.Content = summary.TextBody
		if summary.TextBody == "" && summary.HTMLBody != "" {
			body.ContentType = "html"
			body.Content = summary.HTMLBody
		}
	}

	to := make([]recipient, 0, len(recipients))
	for _, addr := range recipients {
		to = append(to, recipient{EmailAddress: emailAddress{Address: addr}})
	}

	var replyTo []recipient
	if msg.From != "" {
		replyTo = []recipient{{EmailAddress: emailAddress{Address: msg.From}}}
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:      subject,
			Body:         body,
			ToRecipients: to,
			ReplyTo:      replyTo,
			Attachments: []graphAttachment{{
				ODataType:    "#microsoft.graph.fileAttachment",
				Name:         originalName,
				ContentType:  "message/rfc822",
				ContentBytes: base64.StdEncoding.EncodeToString(msg.CRLFContent()),
			}},
		},
	}
}
