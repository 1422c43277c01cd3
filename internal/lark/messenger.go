package lark

import (
	"context"
	"encoding/json"
	"fmt"

	larksdk "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// sdkMessenger sends messages through the Lark REST API.
type sdkMessenger struct {
	client *larksdk.Client
}

func (m *sdkMessenger) SendText(ctx context.Context, chatID, text string) (string, error) {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(larkim.MsgTypeText).
			Content(textContent(text)).
			Build()).
		Build()

	resp, err := m.client.Im.Message.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("send lark message: %w", err)
	}
	if !resp.Success() {
		return "", fmt.Errorf("send lark message: code %d: %s", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.MessageId == nil {
		return "", nil
	}
	return *resp.Data.MessageId, nil
}

// textContent wraps plain text in the JSON envelope a text message needs.
func textContent(text string) string {
	payload, _ := json.Marshal(map[string]string{"text": text})
	return string(payload)
}
