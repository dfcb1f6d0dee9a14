package coordserver

import (
	"io"
	"net/http"
	"net/url"
	"time"
)

// placesProxy forwards address autocomplete and place-detail lookups to the
// Google Places API so the mobile apps never see the API key.
type placesProxy struct {
	key    string
	client *http.Client
}

func newPlacesProxy(key string) *placesProxy {
	return &placesProxy{key: key, client: &http.Client{Timeout: 5 * time.Second}}
}

func (p *placesProxy) handleAutocomplete(w http.ResponseWriter, r *http.Request) {
	input := r.URL.Query().Get("input")
	if input == "" {
		writeError(w, http.StatusBadRequest, "paramètre input requis")
		return
	}
	q := url.Values{}
	q.Set("input", input)
	q.Set("key", p.key)
	q.Set("components", "country:pf")
	q.Set("language", "fr")
	p.forward(w, "https://maps.googleapis.com/maps/api/place/autocomplete/json?"+q.Encode())
}

func (p *placesProxy) handleDetails(w http.ResponseWriter, r *http.Request) {
	placeID := r.URL.Query().Get("place_id")
	if placeID == "" {
		writeError(w, http.StatusBadRequest, "paramètre place_id requis")
		return
	}
	q := url.Values{}
	q.Set("place_id", placeID)
	q.Set("key", p.key)
	q.Set("fields", "geometry,formatted_address,name")
	q.Set("language", "fr")
	p.forward(w, "https://maps.googleapis.com/maps/api/place/details/json?"+q.Encode())
}

func (p *placesProxy) forward(w http.ResponseWriter, target string) {
	resp, err := p.client.Get(target)
	if err != nil {
		writeError(w, http.StatusBadGateway, "service d'adresses indisponible")
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
