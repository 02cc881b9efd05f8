package scraper

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/aluiziolira/go-scrape-mercado/config"
	"github.com/jarcoal/httpmock"
)

const (
	listingBase = "http://listado.example.test"
	detailBase  = "http://articulo.example.test"
)

var errConnRefused = &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.SearchURL = listingBase + "/laptop"
	cfg.MaxRetries = 2
	cfg.RetryBackoff = 0
	cfg.RetryBackoffMax = 0
	cfg.Parallelism = 1
	return cfg
}

func newTestScraper(t *testing.T, cfg *config.Config) (*Scraper, *httpmock.MockTransport) {
	t.Helper()
	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	transport := httpmock.NewMockTransport()
	s.fetcher.WithTransport(transport)
	return s, transport
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func productURL(id int) string {
	return fmt.Sprintf("%s/MLM-%d-producto-_JM", detailBase, id)
}

// buildListingPage renders one search page whose items link to ids.
func buildListingPage(ids []int, next string) string {
	var builder strings.Builder
	builder.WriteString("<html><body><ol class=\"ui-search-layout\">")
	for i, id := range ids {
		builder.WriteString("<li class=\"ui-search-layout__item\"><div class=\"ui-search-result\">")
		fmt.Fprintf(&builder, "<a class=\"ui-search-item__group__element ui-search-link\" href=\"%s#position=%d&search_layout=stack\">", productURL(id), i+1)
		fmt.Fprintf(&builder, "<h2>Producto %d</h2></a>", id)
		builder.WriteString("</div></li>")
	}
	builder.WriteString("</ol><ul class=\"andes-pagination\">")
	builder.WriteString("<li class=\"andes-pagination__button andes-pagination__button--current\"><a href=\"#\">1</a></li>")
	if next != "" {
		fmt.Fprintf(&builder, "<li class=\"andes-pagination__button andes-pagination__button--next\"><a href=\"%s\">Siguiente</a></li>", next)
	}
	builder.WriteString("</ul></body></html>")
	return builder.String()
}

const (
	imageFragment    = `<figure><img class="ui-pdp-image ui-pdp-gallery__figure__image" data-index="0" src="https://img.example.test/D_NQ_NP_123-O.webp"></figure>`
	titleFragment    = `<h1 class="ui-pdp-title">Laptop  Gamer
		16GB</h1>`
	subtitleFragment = `<span class="ui-pdp-subtitle">Nuevo | +1000 vendidos</span>`
	ratingFragment   = `<div class="ui-pdp-header__info"><a href="#reviews"><span class="ui-pdp-review__rating">4.7</span><span class="ui-pdp-review__amount">(1,234)</span></a></div>`
	priceFragment    = `<div class="ui-pdp-price__main-container"><s class="andes-money-amount--previous"><span class="andes-money-amount__fraction">15,999</span></s><div class="ui-pdp-price__second-line"><meta itemprop="price" content="12499.5"><span class="andes-money-amount__fraction">12,499</span></div></div>`
	shippingFragment = `<div id="shipping_summary"><p><span>Envío gratis a todo el país</span></p></div>`
	quantityFragment = `<span class="ui-pdp-buybox__quantity__available">(50 disponibles)</span>`
)

func detailPage(fragments ...string) string {
	return "<html><head><title>p</title></head><body><div class=\"ui-pdp-container\">" +
		strings.Join(fragments, "") +
		"</div></body></html>"
}

func fullDetailPage() string {
	return detailPage(imageFragment, titleFragment, subtitleFragment, ratingFragment, priceFragment, shippingFragment, quantityFragment)
}
