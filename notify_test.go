package marketlink

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresenter struct {
	shown []Alert
	err   error
}

func (p *fakePresenter) Present(alert Alert) error {
	p.shown = append(p.shown, alert)
	return p.err
}

type fakeFocuser struct {
	urls []string
}

func (f *fakeFocuser) Focus(url string) error {
	f.urls = append(f.urls, url)
	return nil
}

func TestParsePushMessage(t *testing.T) {
	msg, err := ParsePushMessage([]byte(`{"title":"AAPL alert","body":"crossed $190","url":"/symbol/AAPL"}`))
	require.NoError(t, err)
	assert.Equal(t, "AAPL alert", msg.Title)
	assert.Equal(t, "crossed $190", msg.Body)
	assert.Equal(t, "/symbol/AAPL", msg.URL)

	_, err = ParsePushMessage([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParsePushMessage([]byte(`{"body":"no title"}`))
	assert.Error(t, err)
}

func TestHandlePresentsAlertWithActions(t *testing.T) {
	presenter := &fakePresenter{}
	d := NewNotificationDispatcher(presenter, nil, nil)

	alert, err := d.Handle([]byte(`{"title":"AAPL alert","body":"crossed $190"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, []string{ActionOpen, ActionDismiss}, alert.Actions)

	require.Len(t, presenter.shown, 1)
	assert.Equal(t, alert.ID, presenter.shown[0].ID)
	assert.Len(t, d.Active(), 1)
}

// A presenter failure is logged, not surfaced: the alert still exists.
func TestHandleSurvivesPresenterFailure(t *testing.T) {
	presenter := &fakePresenter{err: errors.New("no display")}
	d := NewNotificationDispatcher(presenter, nil, nil)

	alert, err := d.Handle([]byte(`{"title":"AAPL alert"}`))
	require.NoError(t, err)
	assert.NotNil(t, alert)
	assert.Len(t, d.Active(), 1)
}

func TestHandleActionOpenFocusesWindow(t *testing.T) {
	focuser := &fakeFocuser{}
	d := NewNotificationDispatcher(&fakePresenter{}, focuser, nil)

	alert, err := d.Handle([]byte(`{"title":"AAPL alert","url":"/symbol/AAPL"}`))
	require.NoError(t, err)

	require.NoError(t, d.HandleAction(alert.ID, ActionOpen))
	assert.Equal(t, []string{"/symbol/AAPL"}, focuser.urls)
	assert.Empty(t, d.Active(), "acting on an alert retires it")
}

func TestHandleActionDismiss(t *testing.T) {
	d := NewNotificationDispatcher(&fakePresenter{}, &fakeFocuser{}, nil)

	alert, err := d.Handle([]byte(`{"title":"AAPL alert"}`))
	require.NoError(t, err)

	require.NoError(t, d.HandleAction(alert.ID, ActionDismiss))
	assert.Empty(t, d.Active())
}

func TestHandleActionErrors(t *testing.T) {
	d := NewNotificationDispatcher(&fakePresenter{}, &fakeFocuser{}, nil)

	assert.Error(t, d.HandleAction("no-such-alert", ActionOpen))

	alert, err := d.Handle([]byte(`{"title":"AAPL alert"}`))
	require.NoError(t, err)
	assert.Error(t, d.HandleAction(alert.ID, "snooze"))
}
