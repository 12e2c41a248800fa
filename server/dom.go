package server

// domScript is served at /percy/dom.js for SDKs that capture the DOM in the
// page before posting a snapshot. It serializes the live document, inlining
// input state that outerHTML alone would lose.
var domScript = []byte(`(function (window) {
  'use strict';

  function serializeInputs(doc) {
    doc.querySelectorAll('input, textarea, select').forEach(function (el) {
      if (el.type === 'checkbox' || el.type === 'radio') {
        if (el.checked) el.setAttribute('checked', '');
        else el.removeAttribute('checked');
      } else if (el.tagName === 'TEXTAREA') {
        el.textContent = el.value;
      } else if (el.tagName === 'SELECT') {
        el.querySelectorAll('option').forEach(function (opt) {
          if (opt.selected) opt.setAttribute('selected', '');
          else opt.removeAttribute('selected');
        });
      } else {
        el.setAttribute('value', el.value);
      }
    });
  }

  function doctype(doc) {
    var dt = doc.doctype;
    if (!dt) return '<!DOCTYPE html>';
    var s = '<!DOCTYPE ' + dt.name;
    if (dt.publicId) s += ' PUBLIC "' + dt.publicId + '"';
    if (!dt.publicId && dt.systemId) s += ' SYSTEM';
    if (dt.systemId) s += ' "' + dt.systemId + '"';
    return s + '>';
  }

  function serializeDOM(options) {
    var doc = (options && options.document) || window.document;
    var clone = doc.cloneNode(true);
    serializeInputs(clone);
    return doctype(doc) + clone.documentElement.outerHTML;
  }

  window.PercyDOM = { serialize: serializeDOM };
})(window);
`)
