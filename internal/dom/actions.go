// Package dom holds the chromedp actions jobs run against an attached page
// and an HTML simplifier for compact page snapshots.
package dom

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

func NavigateAction(url string) chromedp.Action {
	return chromedp.Navigate(url)
}

func WaitVisibleAction(selector string) chromedp.Action {
	return chromedp.WaitVisible(selector, chromedp.ByQuery)
}

func ClickAction(selector string) chromedp.Action {
	return chromedp.Tasks{
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	}
}

func TypeAction(selector string, text string) chromedp.Action {
	return chromedp.SendKeys(selector, text, chromedp.ByQuery)
}

// PageInfoAction reads the current URL and title.
func PageInfoAction(url, title *string) chromedp.Action {
	return chromedp.Tasks{
		chromedp.Location(url),
		chromedp.Title(title),
	}
}

func OuterHTMLAction(selector string, res *string) chromedp.Action {
	return chromedp.OuterHTML(selector, res, chromedp.ByQuery)
}

// IsElementPresentAction checks if an element exists without waiting for visibility.
func IsElementPresentAction(selector string, isPresent *bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var nodes []*cdp.Node
		err := chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0)).Do(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			*isPresent = false
			return nil
		}
		*isPresent = len(nodes) > 0
		return nil
	})
}

// CookiesAction reads every cookie visible to the page.
func CookiesAction(cookies *[]*network.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		c, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		*cookies = c
		return nil
	})
}

func ClearCookiesAction() chromedp.Action {
	return network.ClearBrowserCookies()
}
